package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/echoroom/voicerelay/backend/config"
	"github.com/echoroom/voicerelay/backend/directory"
	videoServer "github.com/echoroom/voicerelay/backend/server/video"
	websocketServer "github.com/echoroom/voicerelay/backend/server/websocket"
	"github.com/echoroom/voicerelay/backend/service"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		audioListenAddr = fs.StringP("audio-listen-addr", "a", ":8080", "audio/control listen address")
		videoListenAddr = fs.StringP("video-listen-addr", "v", ":8888", "video listen address")
		logLevel        = fs.StringP("log-level", "l", "debug", "log level")

		sampleRate = fs.Int("sample-rate", config.Default().SampleRate, "PCM sample rate in Hz")
		channels   = fs.Int("channels", config.Default().Channels, "audio channels (1 or 2)")
		chunkSize  = fs.Int("chunk-size", config.Default().ChunkSize, "samples per audio chunk")
		batchSize  = fs.Int("batch-size", config.Default().BatchSize, "chunks per mixing batch")
		gain       = fs.Int("gain", config.Default().Gain, "mix amplification factor")
		queueCap   = fs.Int("queue-batches", config.Default().MaxQueueBatches, "jitter queue cap in batches")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	audioCfg := config.Audio{
		SampleRate:      *sampleRate,
		Channels:        *channels,
		ChunkSize:       *chunkSize,
		BatchSize:       *batchSize,
		Gain:            *gain,
		MaxQueueBatches: *queueCap,
	}
	if err = audioCfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid audio configuration")
	}
	logger.Info().Stringer("format", audioCfg).Msg("call format configured")

	dir := directory.New(audioCfg, &logger)
	svc := service.New(service.Config{
		Directory: dir,
		Logger:    &logger,
	})
	audioSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:     &logger,
		Service:    svc,
		Audio:      audioCfg,
		ListenAddr: *audioListenAddr,
	})
	videoSrv := videoServer.NewServer(videoServer.Config{
		Logger:     &logger,
		Service:    svc,
		ListenAddr: *videoListenAddr,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go audioSrv.Run(ctx, wg, errc)
	go videoSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
	dir.Close()
}
