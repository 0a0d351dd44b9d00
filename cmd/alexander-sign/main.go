// Package main is the entry point for alexander-sign, a debugging tool that
// resolves AWS credentials through the provider chain and emits either the
// signed header set or a presigned URL for an S3 resource.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/prn-tf/alexander-s3fs/internal/config"
	"github.com/prn-tf/alexander-s3fs/internal/credentials"
	"github.com/prn-tf/alexander-s3fs/internal/s3"
	"github.com/prn-tf/alexander-s3fs/internal/transport"
)

// Version information (set at build time)
var (
	Version   = "dev"
	GitCommit = "unknown"
)

func main() {
	presign := flag.Bool("presign", false, "emit a presigned URL instead of signed headers")
	expires := flag.Int64("expires", 3600, "presigned URL lifetime in seconds")
	verb := flag.String("verb", "GET", "HTTP method to sign for")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	if !*debug {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: alexander-sign [flags] bucket[/key]\n")
		flag.PrintDefaults()
		os.Exit(2)
	}

	log.Debug().
		Str("version", Version).
		Str("git_commit", GitCommit).
		Msg("alexander-sign starting")

	ctx := context.Background()
	opts := config.New()
	broker := credentials.NewBroker(transport.NewHTTPFetcher(), log.Logger, nil)

	handle, err := s3.NewHandle(ctx, s3.HandleConfig{
		Broker:        broker,
		Options:       opts,
		Logger:        log.Logger,
		Params:        s3.NewMemoryParamsStore(),
		Resource:      flag.Arg(0),
		AllowNoObject: true,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("cannot bind resource")
	}
	defer handle.Close()

	if *presign {
		url, err := handle.SignedURL(ctx, s3.SignedURLOptions{
			Verb:          *verb,
			ExpirySeconds: *expires,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("cannot presign")
		}
		fmt.Println(url)
		return
	}

	headers, err := handle.SignedHeaders(ctx, *verb, nil, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("cannot sign")
	}
	fmt.Printf("%s %s\n", *verb, handle.URL())
	for k, v := range headers {
		fmt.Printf("%s: %s\n", k, v)
	}
}
