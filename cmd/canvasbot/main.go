// canvasbot joins a lobby on a running relay as a headless participant.
// It wanders in a circle so other clients can watch presence updates,
// optionally drops a text trace, and logs what the shared store sees.
package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"atrium-realtime/internal/auth"
	"atrium-realtime/internal/config"
	"atrium-realtime/internal/gateway"
	"atrium-realtime/internal/model"
	"atrium-realtime/internal/session"
	"atrium-realtime/internal/store"
)

type options struct {
	server   string
	lobby    string
	userID   string
	username string
	color    string
	note     string
	radius   float64
	wander   time.Duration
	duration time.Duration
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var opts options

	flagSet := pflag.NewFlagSet("canvasbot", pflag.ContinueOnError)
	flagSet.StringVar(&opts.server, "server", "http://localhost:8080", "relay base URL")
	flagSet.StringVar(&opts.lobby, "lobby", "", "lobby id to join (required)")
	flagSet.StringVar(&opts.userID, "user-id", "", "bot user id (default: random UUID)")
	flagSet.StringVar(&opts.username, "username", "canvasbot", "display name")
	flagSet.StringVar(&opts.color, "color", "#ff8800", "avatar color")
	flagSet.StringVar(&opts.note, "note", "", "place a text trace with this content after joining")
	flagSet.Float64Var(&opts.radius, "radius", 200, "wander circle radius")
	flagSet.DurationVar(&opts.wander, "wander", 100*time.Millisecond, "interval between moves (0 disables)")
	flagSet.DurationVar(&opts.duration, "duration", 0, "exit after this long (0 runs until interrupted)")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if opts.lobby == "" {
		return fmt.Errorf("--lobby is required")
	}
	if opts.userID == "" {
		opts.userID = uuid.NewString()
	}

	// .env 파일 로드 (JWT_SECRET)
	_ = godotenv.Load()
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		return fmt.Errorf("JWT_SECRET must be set to mint a bot token")
	}
	token, err := auth.NewJWTManager(secret, 24*time.Hour).GenerateAccessToken(opts.userID, opts.username)
	if err != nil {
		return fmt.Errorf("mint token: %w", err)
	}

	remote, err := gateway.NewRemote(opts.server, token)
	if err != nil {
		return err
	}

	sess := session.New(store.New(), session.Options{
		Gateway:  remote,
		Player:   store.LocalPlayer{UserID: opts.userID, Username: opts.username, Color: opts.color},
		Presence: config.DefaultPresence(),
		Traces:   config.DefaultTraces(),
	})
	defer sess.Close()

	if err := sess.JoinLobby(opts.lobby); err != nil {
		return err
	}
	log.Printf("🤖 [canvasbot %s] joined lobby %s as %s", sess.ID, opts.lobby, opts.userID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if opts.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}

	if opts.note != "" {
		placed, err := sess.PlaceTrace(ctx, model.Trace{Type: model.TraceTypeText, Content: opts.note})
		if err != nil {
			log.Printf("⚠️ [canvasbot %s] place trace failed: %v", sess.ID, err)
		} else {
			log.Printf("📝 [canvasbot %s] placed trace %s", sess.ID, placed.ID)
		}
	}

	if opts.wander > 0 {
		go wander(ctx, sess, opts.radius, opts.wander)
	}

	changed, unwatch := sess.Store().Watch()
	defer unwatch()

	lastParticipants, lastTraces := -1, -1
	for {
		select {
		case <-ctx.Done():
			log.Printf("👋 [canvasbot %s] leaving after %s", sess.ID, sess.Duration().Round(time.Second))
			return nil
		case <-changed:
			participants := len(sess.Store().Participants())
			traces := sess.Store().TraceCount()
			if participants != lastParticipants || traces != lastTraces {
				log.Printf("[canvasbot %s] participants=%d traces=%d", sess.ID, participants, traces)
				lastParticipants, lastTraces = participants, traces
			}
		}
	}
}

// wander moves the bot around a circle centred on the origin
func wander(ctx context.Context, sess *session.Session, radius float64, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var angle float64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			angle += math.Pi / 60
			sess.MoveTo(radius*math.Cos(angle), radius*math.Sin(angle))
		}
	}
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, "Usage: canvasbot --lobby <id> [flags]\n\nFlags:\n")
	flagSet.PrintDefaults()
}
