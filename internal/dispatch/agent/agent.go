package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/shiftly/dispatch/internal/dispatch/api"
	"github.com/shiftly/dispatch/internal/dispatch/channel"
	"github.com/shiftly/dispatch/internal/dispatch/events"
	"github.com/shiftly/dispatch/internal/dispatch/lifecycle"
	"github.com/shiftly/dispatch/internal/dispatch/offer"
	"github.com/shiftly/dispatch/internal/dispatch/presence"
)

// Options configures a worker agent.
type Options struct {
	Identity         lifecycle.Identity
	BackendURL       string
	ChannelURL       string
	Token            string
	RefreshToken     string
	PresenceInterval time.Duration
	ReconnectMin     time.Duration
	ReconnectMax     time.Duration
	Location         presence.Source

	// Clock defaults to the real clock; tests inject a fake.
	Clock clockwork.Clock
	// Transport defaults to the websocket transport; tests inject a fake.
	Transport channel.Transport
}

// WorkerAgent wires the channel, lifecycle manager, presence tracker and
// backend client into one session-scoped component. It is the only owner of
// the channel subscriptions and releases them on Close.
type WorkerAgent struct {
	identity lifecycle.Identity
	client   *api.Client
	chanMgr  *channel.Manager
	manager  *lifecycle.Manager
	tracker  *presence.Tracker
	subs     []channel.Subscription
}

// New assembles a worker agent. Run must be called to bring the channel up.
func New(opts Options) (*WorkerAgent, error) {
	if opts.Identity.ActorID == uuid.Nil {
		return nil, fmt.Errorf("agent requires an actor identity")
	}
	if opts.Location == nil {
		return nil, fmt.Errorf("agent requires a location source")
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	transport := opts.Transport
	if transport == nil {
		transport = channel.NewWebSocketTransport()
	}

	client := api.NewClient(opts.BackendURL, opts.Token)
	tokens := api.NewTokenSource(client, opts.RefreshToken)

	chanMgr := channel.NewManager(channel.Config{
		URL:        opts.ChannelURL,
		MinBackoff: opts.ReconnectMin,
		MaxBackoff: opts.ReconnectMax,
	}, transport, tokens, clock)

	tracker := presence.NewTracker(
		opts.Identity.ActorID,
		clock,
		opts.PresenceInterval,
		opts.Location,
		&apiSink{client: client},
	)

	manager := lifecycle.NewManager(opts.Identity, client, offer.NewTimer(clock), tracker)

	a := &WorkerAgent{
		identity: opts.Identity,
		client:   client,
		chanMgr:  chanMgr,
		manager:  manager,
		tracker:  tracker,
	}

	a.subs = []channel.Subscription{
		chanMgr.Subscribe(events.TypeNewJob, manager.HandleEnvelope),
		chanMgr.Subscribe(events.TypeJobUpdated, manager.HandleEnvelope),
		chanMgr.Subscribe(events.TypeJobCancelled, manager.HandleEnvelope),
	}

	chanMgr.OnReconnect(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		manager.Resync(ctx)
	})

	return a, nil
}

// OnCredentialExpired registers the re-authentication hook.
func (a *WorkerAgent) OnCredentialExpired(fn func(err error)) {
	a.chanMgr.OnCredentialExpired(fn)
}

// Run keeps the event stream alive until ctx ends or the credential dies.
func (a *WorkerAgent) Run(ctx context.Context) error {
	log.Info().
		Str("actor_id", a.identity.ActorID.String()).
		Str("name", a.identity.DisplayName).
		Msg("worker agent starting")
	return a.chanMgr.Run(ctx)
}

// Accept submits a manual accept for an offered job.
func (a *WorkerAgent) Accept(ctx context.Context, jobID uuid.UUID) error {
	return a.manager.Accept(ctx, jobID)
}

// Decline submits a manual decline for an offered job.
func (a *WorkerAgent) Decline(ctx context.Context, jobID uuid.UUID) error {
	return a.manager.Decline(ctx, jobID)
}

// Rate submits a post-payment rating.
func (a *WorkerAgent) Rate(ctx context.Context, jobID uuid.UUID, stars int, feedback string) error {
	return a.manager.Rate(ctx, jobID, stars, feedback)
}

// CurrentState returns the lifecycle snapshot for a tracked job.
func (a *WorkerAgent) CurrentState(jobID uuid.UUID) (lifecycle.State, bool) {
	return a.manager.CurrentState(jobID)
}

// SecondsRemaining reports the active offer countdown for UI rendering.
func (a *WorkerAgent) SecondsRemaining(jobID uuid.UUID) int {
	return a.manager.SecondsRemaining(jobID)
}

// Transitions is the UI-facing stream of lifecycle phase changes.
func (a *WorkerAgent) Transitions() <-chan lifecycle.Transition {
	return a.manager.Transitions()
}

// Connected reports channel liveness.
func (a *WorkerAgent) Connected() bool {
	return a.chanMgr.Connected()
}

// Close releases subscriptions and tears down lifecycle state on logout.
func (a *WorkerAgent) Close() {
	for _, sub := range a.subs {
		sub.Unsubscribe()
	}
	a.manager.Close()
}

// apiSink delivers presence samples through the backend client.
type apiSink struct {
	client *api.Client
}

func (s *apiSink) Report(ctx context.Context, sample presence.Sample) error {
	return s.client.ReportPresence(ctx, api.PresenceReport{
		ActorID:    sample.ActorID.String(),
		Lat:        sample.Lat,
		Lon:        sample.Lon,
		CapturedAt: sample.CapturedAt,
	})
}
