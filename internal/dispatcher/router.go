package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/BTreeMap/UBCore/internal/command"
	"github.com/BTreeMap/UBCore/internal/filters"
	"github.com/BTreeMap/UBCore/internal/messaging"
	"github.com/BTreeMap/UBCore/internal/models"
)

// Handler groups used by the built-in routes.
const (
	GroupConversation = 0
	GroupCommand      = 1
	GroupDefault      = 2
)

// UpdateFilter selects the updates a route handles.
type UpdateFilter func(client messaging.Client, u *models.Update) bool

// UpdateHandlerFunc handles a routed update. Returning ErrStopPropagation ends
// routing; ErrContinuePropagation passes the update to the next route of the
// same group.
type UpdateHandlerFunc func(ctx context.Context, client messaging.Client, u *models.Update) error

type route struct {
	name   string
	filter UpdateFilter
	handle UpdateHandlerFunc
}

// Router runs updates through numbered handler groups in ascending order. In
// each group the first route whose filter accepts the update handles it.
type Router struct {
	d *Dispatcher

	mu     sync.RWMutex
	groups map[int][]route
	order  []int
}

// NewRouter creates a router with the conversation route in group 0 and, when
// enabled in the configuration, the command routes in group 1.
func NewRouter(d *Dispatcher) *Router {
	r := &Router{d: d, groups: make(map[int][]route)}
	r.Handle(GroupConversation, "conversation", r.conversationFilter, r.deliver)
	if d.cfg.LoadHandlers {
		r.Handle(GroupCommand, "command", r.commandFilter, r.dispatchCommand)
		r.Handle(GroupCommand, "callback", r.buttonFilter, r.dispatchButton)
	}
	return r
}

// Handle adds a route to group.
func (r *Router) Handle(group int, name string, filter UpdateFilter, h UpdateHandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.groups[group]; !ok {
		r.order = append(r.order, group)
		sort.Ints(r.order)
	}
	r.groups[group] = append(r.groups[group], route{name: name, filter: filter, handle: h})
}

// HandleUpdate routes u. It has the signature clients expect from their
// update callback.
func (r *Router) HandleUpdate(ctx context.Context, client messaging.Client, u *models.Update) {
	if err := r.Route(ctx, client, u); err != nil {
		slog.Warn("Router.HandleUpdate: routing failed", "error", err, "kind", u.Kind, "client", client.Name())
	}
}

// Route runs u through the handler groups. Propagation signals are consumed;
// any other error a route returns is logged and routing moves to the next
// group.
func (r *Router) Route(ctx context.Context, client messaging.Client, u *models.Update) error {
	if client == nil || u == nil {
		return fmt.Errorf("client and update are required")
	}

	r.mu.RLock()
	order := append([]int(nil), r.order...)
	groups := make(map[int][]route, len(r.groups))
	for g, routes := range r.groups {
		groups[g] = append([]route(nil), routes...)
	}
	r.mu.RUnlock()

	for _, g := range order {
		for _, rt := range groups[g] {
			if !rt.filter(client, u) {
				continue
			}
			err := rt.handle(ctx, client, u)
			if errors.Is(err, ErrStopPropagation) {
				return nil
			}
			if errors.Is(err, ErrContinuePropagation) {
				continue
			}
			if err != nil {
				slog.Error("Router.Route: handler error", "route", rt.name, "group", g, "error", err)
			}
			break
		}
	}
	return nil
}

func (r *Router) conversationFilter(_ messaging.Client, u *models.Update) bool {
	return u.IsMessage() && !u.Message.HasReactions && r.d.conversations.Has(u.Message.Chat.ID)
}

func (r *Router) deliver(_ context.Context, client messaging.Client, u *models.Update) error {
	r.d.conversations.Deliver(client, u.Message)
	return ErrContinuePropagation
}

func (r *Router) commandFilter(client messaging.Client, u *models.Update) bool {
	return u.IsMessage() && r.d.privileges.Command()(client, u.Message)
}

func (r *Router) dispatchCommand(ctx context.Context, client messaging.Client, u *models.Update) error {
	return r.d.Dispatch(ctx, client, u)
}

// buttonFilter accepts button presses and chosen inline results that name a
// command the sender may run.
func (r *Router) buttonFilter(client messaging.Client, u *models.Update) bool {
	if u.Kind != models.UpdateCallbackQuery && u.Kind != models.UpdateInlineResult {
		return false
	}
	if !client.Identity().IsBot() {
		return false
	}
	m, err := r.d.parser.Parse(client, u)
	if err != nil || m.Cmd == "" {
		return false
	}
	return r.d.privileges.UserAllowed(client.Network(), m.SenderID(), m.Cmd)
}

func (r *Router) dispatchButton(ctx context.Context, client messaging.Client, u *models.Update) error {
	if user := u.EffectiveUser(); user != nil {
		taskID := ""
		if m, err := r.d.parser.Parse(client, u); err == nil {
			taskID = m.TaskID
		}
		notice := fmt.Sprintf("Use <code>%sc -i %s</code> to cancel this run.", r.d.cfg.SudoTrigger, taskID)
		if _, err := client.SendMessage(ctx, user.ID, notice, messaging.WithParseMode("HTML")); err != nil {
			slog.Warn("Router.dispatchButton: failed to send cancel hint", "user_id", user.ID, "error", err)
		}
	}
	if u.CallbackQuery != nil {
		if err := client.AnswerCallback(ctx, u.CallbackQuery.ID, ""); err != nil {
			slog.Debug("Router.dispatchButton: failed to answer callback", "error", err)
		}
	}
	if err := r.d.Dispatch(ctx, client, u, NotCommand(), SkipReactionCheck(), ModeInsensitive()); err != nil && !IsPropagation(err) {
		return err
	}
	return ErrStopPropagation
}

// RouteOpts configures a custom route.
type RouteOpts struct {
	Group    int
	Dispatch []DispatchOption
}

// RouteOption is a functional option for the On* helpers.
type RouteOption func(*RouteOpts)

// InGroup places the route in group.
func InGroup(group int) RouteOption {
	return func(o *RouteOpts) {
		o.Group = group
	}
}

// WithDispatchOptions overrides the dispatch behavior of the route.
func WithDispatchOptions(opts ...DispatchOption) RouteOption {
	return func(o *RouteOpts) {
		o.Dispatch = append(o.Dispatch, opts...)
	}
}

func routeOpts(opts []RouteOption) RouteOpts {
	// Custom handlers are plain handlers unless the caller says otherwise.
	o := RouteOpts{
		Group:    GroupDefault,
		Dispatch: []DispatchOption{NotCommand(), SkipReactionCheck(), ModeInsensitive()},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (r *Router) custom(kinds []models.UpdateKind, name string, accept UpdateFilter, h command.Handler, opts []RouteOption) {
	o := routeOpts(opts)
	filter := func(client messaging.Client, u *models.Update) bool {
		for _, k := range kinds {
			if u.Kind == k {
				return accept == nil || accept(client, u)
			}
		}
		return false
	}
	dispatch := append(o.Dispatch, WithHandler(h))
	r.Handle(o.Group, name, filter, func(ctx context.Context, client messaging.Client, u *models.Update) error {
		return r.d.Dispatch(ctx, client, u, dispatch...)
	})
}

func messageFilter(f filters.Filter) UpdateFilter {
	return func(client messaging.Client, u *models.Update) bool {
		return u.Message != nil && (f == nil || f(client, u.Message))
	}
}

// OnMessage runs h for new messages accepted by f.
func (r *Router) OnMessage(f filters.Filter, h command.Handler, opts ...RouteOption) {
	r.custom([]models.UpdateKind{models.UpdateMessage}, "message", messageFilter(f), h, opts)
}

// OnEditedMessage runs h for edited messages accepted by f.
func (r *Router) OnEditedMessage(f filters.Filter, h command.Handler, opts ...RouteOption) {
	r.custom([]models.UpdateKind{models.UpdateEditedMessage}, "edited_message", messageFilter(f), h, opts)
}

// OnAnyMessage runs h for new and edited messages accepted by f.
func (r *Router) OnAnyMessage(f filters.Filter, h command.Handler, opts ...RouteOption) {
	r.custom([]models.UpdateKind{models.UpdateMessage, models.UpdateEditedMessage}, "any_message", messageFilter(f), h, opts)
}

// OnCallbackQuery runs h for button presses accepted by f.
func (r *Router) OnCallbackQuery(f func(messaging.Client, *models.CallbackQuery) bool, h command.Handler, opts ...RouteOption) {
	r.custom([]models.UpdateKind{models.UpdateCallbackQuery}, "callback_query", func(client messaging.Client, u *models.Update) bool {
		return u.CallbackQuery != nil && (f == nil || f(client, u.CallbackQuery))
	}, h, opts)
}

// OnInlineResult runs h for chosen inline results accepted by f.
func (r *Router) OnInlineResult(f func(messaging.Client, *models.InlineResult) bool, h command.Handler, opts ...RouteOption) {
	r.custom([]models.UpdateKind{models.UpdateInlineResult}, "inline_result", func(client messaging.Client, u *models.Update) bool {
		return u.InlineResult != nil && (f == nil || f(client, u.InlineResult))
	}, h, opts)
}
