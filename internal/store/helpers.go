package store

import (
	"database/sql"
	"fmt"
)

// scanSettings reads every row of a settings query and closes rows.
func scanSettings(rows *sql.Rows) ([]Setting, error) {
	defer rows.Close()
	var out []Setting
	for rows.Next() {
		var st Setting
		if err := rows.Scan(&st.Key, &st.Value, &st.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan setting failed: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate settings: %w", err)
	}
	return out, nil
}
