package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/hayupadhyaya/tunelink/pkg/credstore"
	"github.com/hayupadhyaya/tunelink/pkg/peer"
	"github.com/hayupadhyaya/tunelink/pkg/remoteid"
	"github.com/hayupadhyaya/tunelink/pkg/session"
	"github.com/hayupadhyaya/tunelink/pkg/signaling"
	"github.com/hayupadhyaya/tunelink/pkg/webrtcconn"
)

type config struct {
	Mode            string `envconfig:"MODE" default:"direct"`
	Host            string `envconfig:"HOST" default:"localhost"`
	Port            int    `envconfig:"PORT" default:"3000"`
	UseTLS          bool   `envconfig:"USE_TLS" default:"false"`
	RemoteID        string `envconfig:"REMOTE_ID"`
	SignalingURL    string `envconfig:"SIGNALING_URL" default:"ws://localhost:3000/signal"`
	Username        string `envconfig:"USERNAME"`
	Password        string `envconfig:"PASSWORD"`
	CredentialsFile string `envconfig:"CREDENTIALS_FILE" default:"credentials.yaml"`
}

func main() {
	var conf config
	if err := envconfig.Process("", &conf); err != nil {
		log.Fatalf("failed to process config: %+v", err)
	}
	log.Printf("load config: %+v", conf)

	mode, err := connectionMode(&conf)
	if err != nil {
		log.Fatalf("invalid config: %+v", err)
	}

	creds, err := credstore.NewFileStore(conf.CredentialsFile)
	if err != nil {
		log.Fatalf("failed to open credential store: %+v", err)
	}

	sc := signaling.NewClient(conf.SignalingURL)
	webrtc := webrtcconn.NewManager(sc, peer.NewPionConnection)
	m := session.NewManager(creds, webrtc)

	ctx := context.Background()
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return watchStates(ctx, m)
	})
	eg.Go(func() error {
		return watchEvents(ctx, m)
	})
	eg.Go(func() error {
		return run(ctx, m, &conf, mode)
	})
	if err := eg.Wait(); err != nil && err != context.Canceled {
		log.Fatalf("exited with error: %+v", err)
	}
}

func connectionMode(conf *config) (session.Mode, error) {
	switch conf.Mode {
	case "direct":
		return session.DirectMode{Host: conf.Host, Port: conf.Port, UseTLS: conf.UseTLS}, nil
	case "webrtc":
		rid, ok := remoteid.Parse(conf.RemoteID)
		if !ok {
			return nil, errors.Errorf("invalid remote id: %q", conf.RemoteID)
		}
		return session.WebRTCMode{RemoteID: rid}, nil
	}
	return nil, errors.Errorf("unknown mode: %q", conf.Mode)
}

func run(ctx context.Context, m *session.Manager, conf *config, mode session.Mode) error {
	if err := m.Connect(ctx, mode); err != nil {
		return err
	}

	if conf.Username != "" {
		if err := m.Login(ctx, conf.Username, conf.Password); err != nil {
			log.Printf("login failed: %+v", err)
		}
	} else if err := m.Authorize(ctx); err != nil {
		log.Printf("stored-credential authorization failed, continuing unauthenticated: %+v", err)
	}

	if resp, err := m.SendRequest(ctx, "status", nil); err != nil {
		log.Printf("status request failed: %+v", err)
	} else {
		log.Printf("server status: %d result item(s)", len(resp.Result))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Printf("received %s, disconnecting", sig)
		m.DisconnectByUser()
		return context.Canceled
	case <-ctx.Done():
		m.DisconnectByUser()
		return ctx.Err()
	}
}

func watchStates(ctx context.Context, m *session.Manager) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case st := <-m.States():
			switch st.Phase {
			case session.PhaseReconnecting:
				log.Printf("state: %s (attempt %d)", st.Phase, st.Attempt)
			case session.PhaseDisconnected:
				if st.Reason == session.ReasonError {
					log.Printf("state: %s (%s: %s)", st.Phase, st.Reason, st.Err)
					continue
				}
				log.Printf("state: %s (%s)", st.Phase, st.Reason)
			default:
				log.Printf("state: %s", st.Phase)
			}
		}
	}
}

func watchEvents(ctx context.Context, m *session.Manager) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-m.Events():
			log.Printf("event: %s", ev.Name)
		}
	}
}
