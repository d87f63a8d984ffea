// Command soak runs many in-process clients against one in-memory store,
// pairs them, optionally negotiates pion voice calls over the in-process
// relay and prints what happened.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"randomtalk/backend/internal/blocklist"
	"randomtalk/backend/internal/chathub"
	"randomtalk/backend/internal/chatlog"
	"randomtalk/backend/internal/config"
	"randomtalk/backend/internal/matchmaker"
	"randomtalk/backend/internal/media"
	"randomtalk/backend/internal/metrics"
	"randomtalk/backend/internal/models"
	"randomtalk/backend/internal/presence"
	"randomtalk/backend/internal/signaling"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

type stats struct {
	paired, noPartner, callsUp, callsFailed, messages, disconnects atomic.Int64
}

// probe is a Listener that turns notifications into channel events.
type probe struct {
	id       string
	events   chan string
	stats    *stats
	received atomic.Int64
}

func newProbe(id string, s *stats) *probe {
	return &probe{id: id, events: make(chan string, 64), stats: s}
}

func (p *probe) emit(kind string) {
	select {
	case p.events <- kind:
	default:
	}
}

func (p *probe) OnOnlineCountChanged(int) {}
func (p *probe) OnSearching()             {}

func (p *probe) OnNoPartnerFound() {
	p.stats.noPartner.Add(1)
	p.emit("no_partner")
}

func (p *probe) OnCallConnected() {
	p.stats.callsUp.Add(1)
	p.emit("call_connected")
}

func (p *probe) OnPartnerFound(string, models.Role, string, models.SessionMode) {
	p.stats.paired.Add(1)
	p.emit("partner_found")
}

func (p *probe) OnMessagesUpdated(msgs []models.ChatMessage) {
	p.received.Store(int64(len(msgs)))
}

func (p *probe) OnPartnerDisconnected() {
	p.stats.disconnects.Add(1)
	p.emit("partner_disconnected")
}

func (p *probe) OnCallFailed(reason string) {
	p.stats.callsFailed.Add(1)
	p.emit("call_failed:" + reason)
}

// await returns the first event among kinds, or "" on timeout.
func (p *probe) await(ctx context.Context, kinds ...string) string {
	for {
		select {
		case e := <-p.events:
			for _, k := range kinds {
				if strings.HasPrefix(e, k) {
					return e
				}
			}
		case <-ctx.Done():
			return ""
		}
	}
}

type options struct {
	clients  int
	mode     models.SessionMode
	messages int
	hold     time.Duration
	timeout  time.Duration
}

func runClient(ctx context.Context, s *chathub.Session, p *probe, opts options, logger *zap.Logger) {
	defer s.Close(context.Background())

	if _, err := s.FindPartner(ctx, models.Preferences{Mode: opts.mode}); err != nil {
		logger.Warn("find partner", zap.String("identity", p.id), zap.Error(err))
		return
	}
	waitCtx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()
	if p.await(waitCtx, "partner_found", "no_partner") != "partner_found" {
		return
	}

	if opts.mode == models.ModeVoice {
		if e := p.await(waitCtx, "call_connected", "call_failed"); e != "call_connected" {
			logger.Info("call not connected", zap.String("identity", p.id), zap.String("event", e))
		}
	}
	for i := 0; i < opts.messages; i++ {
		if s.SendMessage(ctx, fmt.Sprintf("message %d from %s", i, p.id)) {
			p.stats.messages.Add(1)
		}
	}
	select {
	case <-time.After(opts.hold):
	case <-ctx.Done():
	}
	if err := s.EndSession(ctx); err != nil {
		logger.Warn("end session", zap.String("identity", p.id), zap.Error(err))
	}
}

func main() {
	var opts options
	mode := pflag.String("mode", "text", "session mode: text or voice")
	pflag.IntVar(&opts.clients, "clients", 20, "number of in-process clients")
	pflag.IntVar(&opts.messages, "messages", 5, "messages each client sends once paired")
	pflag.DurationVar(&opts.hold, "hold", 2*time.Second, "how long a pair stays connected")
	pflag.DurationVar(&opts.timeout, "timeout", config.SearchTimeout, "search and call setup timeout")
	verbose := pflag.Bool("verbose", false, "log at debug level")
	pflag.Parse()

	switch models.SessionMode(*mode) {
	case models.ModeText, models.ModeVoice:
		opts.mode = models.SessionMode(*mode)
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(2)
	}

	zcfg := zap.NewDevelopmentConfig()
	if !*verbose {
		zcfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	logger, err := zcfg.Build()
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	store := presence.NewMemoryStore(presence.WithLogger(logger))
	blocks := blocklist.NewRegistry(nil, nil, logger)
	logs := chatlog.NewRegistry(nil, nil, logger)
	rooms := chathub.NewRooms(signaling.NewRelay(logger), logs, nil, logger)
	m := metrics.New()
	mm := matchmaker.New(store, blocks, rooms, logger)
	mm.Timeout = opts.timeout
	mm.Metrics = m

	deps := &chathub.Deps{
		Store:      store,
		Matchmaker: mm,
		Rooms:      rooms,
		Blocks:     blocks,
		Metrics:    m,
		Logger:     logger,
	}
	if opts.mode == models.ModeVoice {
		deps.Peers = media.NewPionFactory(nil, media.PionOptions{IncludeLoopback: true})
		deps.Capturer = media.SyntheticCapturer{}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*opts.timeout+opts.hold)
	defer cancel()

	st := &stats{}
	probes := make([]*probe, 0, opts.clients)
	var wg sync.WaitGroup
	started := time.Now()
	for i := 0; i < opts.clients; i++ {
		id := uuid.NewString()
		p := newProbe(id, st)
		s := chathub.NewSession(id, deps, p)
		if err := s.RegisterOnline(ctx); err != nil {
			log.Fatalf("register %s: %v", id, err)
		}
		probes = append(probes, p)
		wg.Add(1)
		go func() {
			defer wg.Done()
			runClient(ctx, s, p, opts, logger)
		}()
	}
	wg.Wait()

	var delivered int64
	for _, p := range probes {
		delivered += p.received.Load()
	}
	fmt.Printf("clients:        %d (%s)\n", opts.clients, opts.mode)
	fmt.Printf("elapsed:        %s\n", time.Since(started).Round(time.Millisecond))
	fmt.Printf("paired:         %d\n", st.paired.Load())
	fmt.Printf("no partner:     %d\n", st.noPartner.Load())
	fmt.Printf("messages sent:  %d\n", st.messages.Load())
	fmt.Printf("messages seen:  %d\n", delivered)
	fmt.Printf("disconnects:    %d\n", st.disconnects.Load())
	if opts.mode == models.ModeVoice {
		fmt.Printf("calls up:       %d\n", st.callsUp.Load())
		fmt.Printf("calls failed:   %d\n", st.callsFailed.Load())
	}
}
