// narration-client polls the narration-service audio endpoint until an
// article's audio is complete, writing the result to a file. It implements
// the consumer side of the retry contract: on a partial response it waits an
// increasing delay before re-requesting, so the synthesis endpoint is not
// hammered while chunks are still being generated.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"
)

// Flag names and descriptions.
const (
	flagURL         = "url"
	flagArticle     = "article"
	flagOutput      = "output"
	flagURLDesc     = "Base URL of the narration service (e.g. http://localhost:8080)"
	flagArticleDesc = "Article identifier to narrate"
	flagOutputDesc  = "Output file path (.mp3)"
)

// Defaults.
const (
	defaultOutputFile = "article.mp3"
	filePermissions   = 0o600
	requestTimeout    = 2 * time.Minute
)

// Progress headers set by the service on partial responses.
const (
	headerAudioStatus     = "X-Audio-Status"
	headerTotalChunks     = "X-Total-Chunks"
	headerAvailableChunks = "X-Available-Chunks"
	headerMissingChunks   = "X-Missing-Chunks"
)

// Static errors.
var (
	ErrArticleRequired = errors.New("--article is required")
	ErrURLRequired     = errors.New("--url is required")
	ErrGaveUp          = errors.New("gave up waiting for complete audio")
)

// backoffSchedule is the delay before each re-request after a partial
// response. The final entry repeats.
var backoffSchedule = []time.Duration{
	30 * time.Second,
	60 * time.Second,
	120 * time.Second,
	300 * time.Second,
}

const maxAttempts = 12

type appFlags struct {
	url     string
	article string
	output  string
}

func main() {
	err := run()
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func run() error {
	flags, err := parseFlags()
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: requestTimeout}
	endpoint := fmt.Sprintf("%s/api/audio/%s", flags.url, flags.article)

	for attempt := 0; attempt < maxAttempts; attempt++ {
		audio, complete, err := fetchOnce(client, endpoint)
		if err != nil {
			return err
		}

		if complete {
			writeErr := os.WriteFile(flags.output, audio, filePermissions)
			if writeErr != nil {
				return fmt.Errorf("failed to write audio file: %w", writeErr)
			}

			fmt.Printf("Complete audio written to %s (%d bytes)\n", flags.output, len(audio))

			return nil
		}

		delay := backoffDelay(attempt)
		fmt.Printf("Audio not complete yet, retrying in %s\n", delay)
		time.Sleep(delay)
	}

	return ErrGaveUp
}

func parseFlags() (appFlags, error) {
	var flags appFlags

	flag.StringVar(&flags.url, flagURL, "", flagURLDesc)
	flag.StringVar(&flags.article, flagArticle, "", flagArticleDesc)
	flag.StringVar(&flags.output, flagOutput, defaultOutputFile, flagOutputDesc)
	flag.Parse()

	if flags.url == "" {
		return flags, ErrURLRequired
	}

	if flags.article == "" {
		return flags, ErrArticleRequired
	}

	return flags, nil
}

// fetchOnce performs one request. A 200 means the complete artifact; a 206
// means a partial prefix and the caller should retry later; anything else is
// surfaced with the service's diagnostic body.
func fetchOnce(client *http.Client, endpoint string) (audio []byte, complete bool, err error) {
	resp, err := client.Get(endpoint)
	if err != nil {
		return nil, false, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read response body: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return body, true, nil
	case http.StatusPartialContent:
		fmt.Printf(
			"Progress: %s/%s chunks available, missing: %s (status %s)\n",
			resp.Header.Get(headerAvailableChunks),
			resp.Header.Get(headerTotalChunks),
			resp.Header.Get(headerMissingChunks),
			resp.Header.Get(headerAudioStatus),
		)

		return body, false, nil
	default:
		return nil, false, fmt.Errorf("service returned %s: %s", resp.Status, string(body))
	}
}

func backoffDelay(attempt int) time.Duration {
	if attempt >= len(backoffSchedule) {
		return backoffSchedule[len(backoffSchedule)-1]
	}

	return backoffSchedule[attempt]
}
