package audio

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"

	"github.com/gopxl/beep/v2/mp3"

	"github.com/signalsfoundry/radio-globe/internal/logging"
)

const (
	// firstChunk is how much of a non-MPEG stream must arrive before it is
	// considered playable.
	firstChunk = 4 << 10
	// maxPlaylistDepth bounds playlist-to-playlist indirection.
	maxPlaylistDepth = 2
	maxPlaylistBytes = 64 << 10

	userAgent = "radio-globe/1.0"
)

// HTTPSourceOpener opens stream URLs over HTTP. MPEG streams are verified by
// decoding their first frame; other audio types are ready once the first
// chunk arrives. PLS and M3U playlists resolve to their first entry.
type HTTPSourceOpener struct {
	Client *http.Client
	Log    logging.Logger
}

// NewHTTPSourceOpener returns an opener using hc, or a client without an
// overall timeout when hc is nil (streams never end; the prober bounds them).
func NewHTTPSourceOpener(hc *http.Client, log logging.Logger) *HTTPSourceOpener {
	if hc == nil {
		hc = &http.Client{}
	}
	if log == nil {
		log = logging.Noop()
	}
	return &HTTPSourceOpener{Client: hc, Log: log}
}

// Open implements SourceOpener. The request runs in the background; the
// returned handle reports the result through Ready and Failed.
func (o *HTTPSourceOpener) Open(ctx context.Context, rawURL string) (Source, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse stream url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("stream url %q: unsupported scheme", rawURL)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &httpSource{
		opener: o,
		cancel: cancel,
		ready:  make(chan struct{}),
		failed: make(chan error, 1),
		done:   make(chan struct{}),
	}
	go s.run(ctx, rawURL)
	return s, nil
}

type httpSource struct {
	opener *HTTPSourceOpener
	cancel context.CancelFunc

	ready  chan struct{}
	failed chan error
	done   chan struct{}

	mu       sync.Mutex
	resolved string

	closeOnce sync.Once
}

func (s *httpSource) Ready() <-chan struct{} { return s.ready }
func (s *httpSource) Failed() <-chan error   { return s.failed }

func (s *httpSource) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolved
}

// Close aborts the request and waits for the body to be released.
func (s *httpSource) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}

func (s *httpSource) run(ctx context.Context, rawURL string) {
	defer close(s.done)

	body, err := s.open(ctx, rawURL, 0)
	if err != nil {
		s.failed <- err
		return
	}
	defer body.Close()

	// Hold the connection until the handle is closed.
	close(s.ready)
	<-ctx.Done()
}

// open follows playlists and returns the handle holding the verified
// stream open.
func (s *httpSource) open(ctx context.Context, rawURL string, depth int) (io.Closer, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.opener.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &httpStatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	kind := classify(resp.Header.Get("Content-Type"), rawURL)
	s.opener.Log.Debug(ctx, "stream response",
		logging.String("url", rawURL),
		logging.String("content_type", resp.Header.Get("Content-Type")),
		logging.String("kind", string(kind)),
	)

	switch kind {
	case kindPLS, kindM3U:
		defer resp.Body.Close()
		if depth >= maxPlaylistDepth {
			return nil, errors.New("playlist nesting too deep")
		}
		next, err := firstPlaylistEntry(resp.Body, kind, resp.Request.URL)
		if err != nil {
			return nil, err
		}
		return s.open(ctx, next, depth+1)

	case kindMPEG:
		// Decode reads up to and including the first frame header.
		streamer, format, err := mp3.Decode(resp.Body)
		if err != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("decode mp3 stream: %w", err)
		}
		s.opener.Log.Debug(ctx, "mp3 stream decoded",
			logging.String("url", rawURL),
			logging.Int("sample_rate", int(format.SampleRate)),
		)
		s.setResolved(rawURL)
		return streamer, nil

	case kindAudio:
		buf := make([]byte, firstChunk)
		if _, err := io.ReadFull(resp.Body, buf); err != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("read first chunk: %w", err)
		}
		s.setResolved(rawURL)
		return resp.Body, nil

	default:
		resp.Body.Close()
		return nil, fmt.Errorf("unsupported content type %q", resp.Header.Get("Content-Type"))
	}
}

func (s *httpSource) setResolved(u string) {
	s.mu.Lock()
	s.resolved = u
	s.mu.Unlock()
}

type streamKind string

const (
	kindMPEG    streamKind = "mpeg"
	kindAudio   streamKind = "audio"
	kindPLS     streamKind = "pls"
	kindM3U     streamKind = "m3u"
	kindUnknown streamKind = "unknown"
)

// classify picks a handler from the content type, falling back to the URL
// extension when servers send a generic type.
func classify(contentType, rawURL string) streamKind {
	mt, _, _ := mime.ParseMediaType(contentType)
	mt = strings.ToLower(mt)

	switch mt {
	case "audio/x-scpls":
		return kindPLS
	case "audio/x-mpegurl", "audio/mpegurl", "application/x-mpegurl", "application/vnd.apple.mpegurl":
		return kindM3U
	case "audio/mpeg", "audio/mp3", "audio/mpeg3", "audio/x-mpeg":
		return kindMPEG
	}

	ext := ""
	if u, err := url.Parse(rawURL); err == nil {
		ext = strings.ToLower(path.Ext(u.Path))
	}
	switch ext {
	case ".pls":
		return kindPLS
	case ".m3u", ".m3u8":
		return kindM3U
	}

	switch {
	case strings.HasPrefix(mt, "audio/"), mt == "application/ogg", mt == "application/octet-stream", mt == "":
		if ext == ".mp3" {
			return kindMPEG
		}
		return kindAudio
	}
	return kindUnknown
}

// firstPlaylistEntry returns the first stream URL listed in a PLS or M3U
// playlist, resolved against base.
func firstPlaylistEntry(r io.Reader, kind streamKind, base *url.URL) (string, error) {
	scanner := bufio.NewScanner(io.LimitReader(r, maxPlaylistBytes))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		var entry string
		switch kind {
		case kindPLS:
			if strings.HasPrefix(strings.ToLower(line), "file") && strings.Contains(line, "=") {
				entry = strings.TrimSpace(strings.SplitN(line, "=", 2)[1])
			}
		default:
			if line != "" && !strings.HasPrefix(line, "#") {
				entry = line
			}
		}
		if entry == "" {
			continue
		}
		ref, err := url.Parse(entry)
		if err != nil {
			continue
		}
		if base != nil {
			ref = base.ResolveReference(ref)
		}
		return ref.String(), nil
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read playlist: %w", err)
	}
	return "", errors.New("no stream url found in playlist")
}
