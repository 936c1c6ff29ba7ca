// callcore is a command-line calling client: it connects to the broker,
// places or answers a call for a match, and runs the media session until
// interrupted. It exists to exercise the full stack end to end from two
// terminals.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/heartwire/callcore/internal/call"
	"github.com/heartwire/callcore/internal/callstore"
	"github.com/heartwire/callcore/internal/config"
	"github.com/heartwire/callcore/internal/ice"
	"github.com/heartwire/callcore/internal/media"
	"github.com/heartwire/callcore/internal/rtc"
	"github.com/heartwire/callcore/internal/signaling"
)

// mediaSource adapts the concrete capture source to the session layer's
// interface.
type mediaSource struct {
	src *media.Source
}

func (m mediaSource) Capture(ctx context.Context, video bool) (rtc.LocalStream, error) {
	stream, err := m.src.Capture(ctx, video)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	cfg := config.NewClientConfig()
	var (
		userID     = flag.String("user", "", "local user id")
		peerID     = flag.String("peer", "", "peer user id (required with -dial)")
		matchID    = flag.String("match", "", "match id scoping the call")
		dial       = flag.Bool("dial", false, "place the call; default is to wait for one")
		video      = flag.Bool("video", false, "video call instead of voice")
		autoAnswer = flag.Bool("auto-answer", true, "accept incoming calls immediately")
	)
	flag.StringVar(&cfg.BrokerURL, "broker", cfg.BrokerURL, "broker websocket URL")
	flag.Parse()

	if *userID == "" || *matchID == "" {
		logger.Fatal("-user and -match are required")
	}
	if *dial && *peerID == "" {
		logger.Fatal("-dial requires -peer")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := signaling.DialBroker(ctx, cfg.BrokerURL)
	if err != nil {
		logger.Fatal("connect to broker", zap.Error(err))
	}
	defer conn.Close()

	source, err := media.NewSource()
	if err != nil {
		logger.Fatal("configure media", zap.Error(err))
	}

	var store call.Store
	if cfg.Postgres.Host != "" {
		pg, err := callstore.NewPostgresStore(cfg.Postgres)
		if err != nil {
			logger.Fatal("connect to call store", zap.Error(err))
		}
		defer pg.Close()
		store = pg
	} else {
		store = callstore.NewMemoryStore()
	}

	// The orchestrator consumes the negotiator's call signals, but the
	// negotiator is built first; bridge through a late-bound pointer.
	var orch *call.Orchestrator

	neg, err := rtc.New(rtc.Deps{
		Channel: signaling.NewChannel(conn),
		ICE:     ice.NewProvider(cfg.CredentialURL),
		Media:   mediaSource{src: source},
		Router:  media.NewRouter(),
		Callbacks: rtc.Callbacks{
			OnRemoteTrack: func(track *webrtc.TrackRemote) {
				logger.Info("remote media flowing",
					zap.String("kind", track.Kind().String()),
					zap.String("codec", track.Codec().MimeType))
				go drainTrack(track)
			},
			OnConnectionState: func(state webrtc.PeerConnectionState) {
				logger.Info("call transport state", zap.String("state", state.String()))
			},
			OnCallSignal: func(msg signaling.Message) {
				if orch != nil {
					orch.HandleCallSignal(msg)
				}
			},
		},
	})
	if err != nil {
		logger.Fatal("create negotiator", zap.Error(err))
	}
	defer neg.Cleanup("shutdown")

	announcer := signaling.NewCallAnnouncer(conn)

	orch, err = call.NewOrchestrator(call.Options{
		Store:        store,
		Negotiator:   neg,
		Announcer:    announcer,
		LocalUserID:  *userID,
		PollInterval: cfg.PollInterval,
		Events: call.Events{
			OnIncoming: func(c call.ActiveCall) {
				logger.Info("incoming call",
					zap.String("from", c.Record.CallerID),
					zap.String("type", string(c.Record.Type)))
				if *autoAnswer {
					if err := orch.Accept(ctx); err != nil {
						logger.Error("accept", zap.Error(err))
					}
				}
			},
			OnEnded: func(callID, reason string) {
				logger.Info("call over",
					zap.String("callId", callID), zap.String("reason", reason))
				stop()
			},
		},
	})
	if err != nil {
		logger.Fatal("create orchestrator", zap.Error(err))
	}

	// Ring on both paths: the personal calls topic for realtime delivery and
	// the store feed as the durable fallback.
	stopListening, err := announcer.Listen(*userID, func(summary signaling.CallSummary) {
		orch.HandleCallSignal(signaling.CallStart{Call: summary})
	})
	if err != nil {
		logger.Fatal("listen for calls", zap.Error(err))
	}
	defer stopListening()

	go func() {
		if err := orch.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("call feed stopped", zap.Error(err))
		}
	}()

	callType := call.TypeVoice
	if *video {
		callType = call.TypeVideo
	}

	if *dial {
		rec, err := orch.StartCall(ctx, *matchID, *peerID, callType)
		if err != nil {
			logger.Fatal("start call", zap.Error(err))
		}
		logger.Info("calling", zap.String("callId", rec.ID), zap.String("peer", *peerID))
	} else {
		logger.Info("waiting for calls", zap.String("user", *userID))
	}

	<-ctx.Done()

	if _, active := orch.Current(); active {
		endCtx := context.Background()
		if err := orch.End(endCtx); err != nil {
			logger.Warn("end call on shutdown", zap.Error(err))
		}
	}
}

// drainTrack consumes inbound RTP; a real client hands these packets to a
// decoder and renderer.
func drainTrack(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}
