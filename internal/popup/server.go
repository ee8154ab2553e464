package popup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/tempoplan/tempoplan-cli/internal/session"
)

// Message tags accepted on the completion channel. Anything else is ignored.
const (
	messageTypeSuccess = "AUTH_SUCCESS"
	messageTypeError   = "AUTH_ERROR"
)

// flowResult is the one-shot outcome delivered by the callback server.
type flowResult struct {
	Tokens *session.TokenUpdate
	// ErrorDetail carries the provider-reported failure; empty on success.
	ErrorDetail string
}

// callbackServer is the local HTTP endpoint the consent page reports back
// to. It plays the role of the cross-context message channel: the backend's
// OAuth callback page posts the tagged result message here, or redirects
// the browser to /callback directly.
type callbackServer struct {
	engine         *gin.Engine
	server         *http.Server
	port           int
	state          string
	allowedOrigins map[string]struct{}

	resultChan chan *flowResult
	errorChan  chan error

	mu      sync.Mutex
	running bool
}

// newCallbackServer builds the server for one flow. state correlates the
// redirect variant of the callback; allowedOrigins filters the message
// variant.
func newCallbackServer(port int, state string, extraOrigins []string) *callbackServer {
	gin.SetMode(gin.ReleaseMode)

	s := &callbackServer{
		port:           port,
		state:          state,
		allowedOrigins: make(map[string]struct{}, len(extraOrigins)+1),
		resultChan:     make(chan *flowResult, 1),
		errorChan:      make(chan error, 1),
	}
	s.allowedOrigins[fmt.Sprintf("http://localhost:%d", port)] = struct{}{}
	for _, origin := range extraOrigins {
		s.allowedOrigins[origin] = struct{}{}
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.POST("/auth/message", s.handleMessage)
	engine.GET("/callback", s.handleCallback)
	engine.GET("/success", s.handleSuccess)
	s.engine = engine
	return s
}

// Start begins serving. It fails when the port is unavailable.
func (s *callbackServer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("callback server is already running")
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.port))
	if err != nil {
		return fmt.Errorf("port %d is unavailable: %w", s.port, err)
	}

	server := &http.Server{
		Handler:      s.engine,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	s.server = server
	s.running = true

	// The goroutine must not read s.server: Stop nils that field under the
	// mutex, and the goroutine may start after Stop has already run.
	go func() {
		if errServe := server.Serve(listener); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			select {
			case s.errorChan <- fmt.Errorf("callback server failed: %w", errServe):
			default:
			}
		}
	}()

	return nil
}

// Stop shuts the server down. Safe to call more than once.
func (s *callbackServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.server == nil {
		return nil
	}
	log.Debug("stopping auth callback server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := s.server.Shutdown(shutdownCtx)
	s.running = false
	s.server = nil
	return err
}

// Result exposes the one-shot completion channel.
func (s *callbackServer) Result() <-chan *flowResult {
	return s.resultChan
}

// Err exposes server failures that occur after Start returned.
func (s *callbackServer) Err() <-chan error {
	return s.errorChan
}

// handleMessage receives the tagged completion message posted by the
// consent page. Messages with an unknown shape or an origin outside the
// allow-list are ignored, not errors: unrelated traffic must never fail the
// flow.
func (s *callbackServer) handleMessage(c *gin.Context) {
	origin := c.GetHeader("Origin")
	if _, ok := s.allowedOrigins[origin]; !ok {
		log.Debugf("ignoring auth message from origin %q", origin)
		c.Status(http.StatusNoContent)
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}

	msgType := gjson.GetBytes(body, "type").String()
	switch msgType {
	case messageTypeSuccess:
		result := &flowResult{}
		if tokens := gjson.GetBytes(body, "tokens"); tokens.Exists() {
			update := &session.TokenUpdate{
				AccessToken:  tokens.Get("access_token").String(),
				RefreshToken: tokens.Get("refresh_token").String(),
			}
			if expiry := tokens.Get("expiry_date"); expiry.Exists() {
				update.ExpiryDate = time.UnixMilli(expiry.Int())
			}
			result.Tokens = update
		}
		s.sendResult(result)
		c.Status(http.StatusOK)
	case messageTypeError:
		detail := gjson.GetBytes(body, "error").String()
		if detail == "" {
			detail = "authentication failed"
		}
		s.sendResult(&flowResult{ErrorDetail: detail})
		c.Status(http.StatusOK)
	default:
		log.Debugf("ignoring message with unknown type %q", msgType)
		c.Status(http.StatusNoContent)
	}
}

// handleCallback accepts the redirect variant of the completion signal. The
// state parameter must match the one minted for this flow exactly; any
// other local process can reach this port, so a missing state is rejected
// the same as a wrong one.
func (s *callbackServer) handleCallback(c *gin.Context) {
	if state := c.Query("state"); s.state != "" && state != s.state {
		log.Debugf("ignoring callback with missing or mismatched state %q", state)
		c.Status(http.StatusNoContent)
		return
	}

	if errParam := c.Query("error"); errParam != "" {
		log.Errorf("auth callback reported error: %s", errParam)
		s.sendResult(&flowResult{ErrorDetail: errParam})
		c.String(http.StatusBadRequest, "Authentication failed: %s", errParam)
		return
	}

	s.sendResult(&flowResult{})
	c.Redirect(http.StatusFound, "/success")
}

func (s *callbackServer) handleSuccess(c *gin.Context) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, successHTML)
}

// sendResult delivers the result once; later signals are dropped.
func (s *callbackServer) sendResult(result *flowResult) {
	select {
	case s.resultChan <- result:
		log.Debug("auth flow result delivered")
	default:
		log.Debug("auth flow result already delivered, dropping duplicate")
	}
}

const successHTML = `<!doctype html>
<html>
<head><title>Signed in</title></head>
<body style="font-family: sans-serif; text-align: center; padding-top: 4rem;">
<h1>You're signed in</h1>
<p>Your calendar is connected. You can close this window and return to the app.</p>
<script>window.setTimeout(function () { window.close(); }, 1500);</script>
</body>
</html>`
