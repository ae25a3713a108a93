// Package main runs a call participant's verification overlay from the command line.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/veriface/callguard/config"
	"github.com/veriface/callguard/internal/callapi"
	"github.com/veriface/callguard/internal/calltransport"
	"github.com/veriface/callguard/internal/capture"
	"github.com/veriface/callguard/internal/models"
	"github.com/veriface/callguard/internal/session"
	"github.com/veriface/callguard/internal/verification"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if err := newRootCmd(cfg, logger).ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(cfg *config.Config, logger *zap.Logger) *cobra.Command {
	a := &cfg.Agent
	cmd := &cobra.Command{
		Use:           "callguard-agent",
		Short:         "Join a call and run identity verification for it",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.MeetingCode == "" {
				return errors.New("--meeting is required")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := run(ctx, cfg, logger); err != nil {
				logger.Error("agent", zap.Error(err))
				return err
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&a.MeetingCode, "meeting", a.MeetingCode, "meeting code to join")
	f.StringVar(&a.APIBaseURL, "api", a.APIBaseURL, "meeting API base URL")
	f.StringVar(&a.AccessToken, "token", a.AccessToken, "bearer token for the meeting API")
	f.StringVar(&a.SurfacePath, "surface", a.SurfacePath, "still image kept current by the camera process")
	f.BoolVar(&a.MJPEGStdin, "mjpeg-stdin", a.MJPEGStdin, "read a concatenated-JPEG camera stream from stdin")
	f.StringVar(&a.SignalURL, "signal", a.SignalURL, "SDP signaling endpoint of the call provider")
	f.DurationVar(&cfg.Verify.FrameInterval, "frame-interval", cfg.Verify.FrameInterval, "subject capture cadence")
	return cmd
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	a := cfg.Agent
	api := callapi.NewClient(a.APIBaseURL, a.AccessToken, nil, logger)

	var track *capture.BufferTrack
	trackFn := func() capture.Track { return nil }
	if a.MJPEGStdin {
		track = capture.NewBufferTrack()
		trackFn = func() capture.Track { return track }
		go func() {
			if err := capture.PumpMJPEG(ctx, os.Stdin, track, logger); err != nil && ctx.Err() == nil {
				logger.Warn("camera stream ended", zap.Error(err))
			}
		}()
	}
	surfaceFn := func() capture.Surface { return nil }
	if a.SurfacePath != "" {
		surface := capture.FileSource{Path: a.SurfacePath}
		surfaceFn = func() capture.Surface { return surface }
	}
	adapter := capture.NewAdapter(surfaceFn, trackFn, capture.NewBufferPlayer, capture.Options{
		Width:   cfg.Verify.CaptureWidth,
		Height:  cfg.Verify.CaptureHeight,
		Quality: cfg.Verify.CaptureQuality,
		Logger:  logger,
	})

	media := &callMedia{adapter: adapter, track: track}
	if a.SignalURL != "" {
		pc, err := calltransport.NewPeerConnection(cfg.WebRTC.ICEUrls)
		if err != nil {
			_ = media.Release()
			return fmt.Errorf("peer connection: %w", err)
		}
		media.pc = pc
	}

	runCtx, leave := context.WithCancel(ctx)
	defer leave()

	header := http.Header{}
	if a.AccessToken != "" {
		header.Set("Authorization", "Bearer "+a.AccessToken)
	}
	sess := session.New(api, session.Options{
		MeetingID: a.MeetingCode,
		BaseURL:   api.BaseURL(),
		Header:    header,
		Verify:    cfg.Verify,
		Capturer:  adapter,
		Media:     media,
		Navigate:  leave,
		OnError: func(err error) {
			logger.Warn("verification error", zap.Error(err))
		},
		Logger: logger,
	})
	if err := sess.Start(runCtx); err != nil {
		_ = media.Release()
		return err
	}
	logger.Info("joined call",
		zap.String("meeting", a.MeetingCode),
		zap.String("role", string(sess.Role())),
		zap.String("subject_id", sess.SubjectID()),
	)

	g, gctx := errgroup.WithContext(runCtx)
	if media.pc != nil {
		calltransport.WatchRemoteVideo(media.pc, sess.OnRemoteVideoPublished, logger)
		calltransport.WatchDisconnect(media.pc, func() {
			sess.OnCallEnded(otherRole(sess.Role()))
		})
		g.Go(func() error {
			if err := calltransport.Negotiate(gctx, media.pc, calltransport.HTTPExchange(a.SignalURL, sess.Join().Token, nil)); err != nil && gctx.Err() == nil {
				logger.Warn("media session unavailable", zap.Error(err))
			}
			return nil
		})
	}
	g.Go(func() error {
		logAlerts(gctx, sess.Tracker(), logger)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		// No-op when the call already ended from the other side.
		sess.OnCallEnded(sess.Role())
		return nil
	})

	err := g.Wait()
	sess.Wait()
	logger.Info("left call")
	return err
}

func logAlerts(ctx context.Context, t *verification.Tracker, logger *zap.Logger) {
	updates, cancel := t.Subscribe(8)
	defer cancel()
	last := t.Current().Alert
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-updates:
			if u.Alert == last {
				continue
			}
			last = u.Alert
			logger.Info("verification alert",
				zap.String("alert", string(u.Alert)),
				zap.Float64("liveness", u.State.Liveness.Score),
				zap.Float64("deepfake", u.State.Deepfake.Score),
				zap.Float64("face_distance", u.State.FaceMatch.Distance),
			)
		}
	}
}

func otherRole(r models.Role) models.Role {
	if r == models.RoleReviewer {
		return models.RoleSubject
	}
	return models.RoleReviewer
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
