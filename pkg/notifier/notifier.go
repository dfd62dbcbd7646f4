// Package notifier implements the pipeline's cross-cutting failure
// channel (component J): a bounded in-process queue drained by a
// single consumer that renders a text template and POSTs it to an
// external webhook, best-effort.
package notifier

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"regexp"
	"time"

	"github.com/google/uuid"
)

const (
	channelCapacity = 100
	connectTimeout  = 5 * time.Second
)

// alert is the message carried on the channel (spec.md §4.J's
// `{target_label, block_number?, error_message, keeper_name}`).
type alert struct {
	correlationID string
	stage         string
	blockNumber   *uint64
	err           error
}

// Notifier is the worker.Notifier implementation: Notify enqueues
// without blocking the caller (a full channel drops the alert rather
// than stalling a pipeline stage), and Run drains it on a single
// goroutine.
type Notifier struct {
	keeperName    string
	clientAddress string
	webhookURL    string
	template      string

	httpClient *http.Client
	logger     *log.Logger

	ch chan alert
}

// New constructs a Notifier. webhookURL may be empty, in which case
// Notify still logs but never POSTs (monitor feature disabled,
// spec.md §6: "required iff monitor feature enabled").
func New(keeperName, clientAddress, webhookURL, template string, logger *log.Logger) *Notifier {
	return &Notifier{
		keeperName:    keeperName,
		clientAddress: clientAddress,
		webhookURL:    webhookURL,
		template:      template,
		logger:        logger,
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
			},
		},
		ch: make(chan alert, channelCapacity),
	}
}

// Notify implements worker.Notifier. Non-blocking: if the channel is
// full the alert is dropped and logged, since a slow or dead webhook
// must never stall a pipeline stage.
func (n *Notifier) Notify(stage string, blockNumber *uint64, err error) {
	a := alert{correlationID: uuid.NewString(), stage: stage, blockNumber: blockNumber, err: err}
	select {
	case n.ch <- a:
	default:
		n.logger.Printf("notifier: alert channel full, dropping id=%s stage=%s err=%v", a.correlationID, stage, err)
	}
}

// Run drains the alert channel until ctx is cancelled, performing a
// best-effort POST per alert (spec.md §4.J: "send-failures are logged
// but never retried").
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-n.ch:
			n.deliver(ctx, a)
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, a alert) {
	level := "error"
	body := render(n.template, level, a.blockNumber, a.err, n.keeperName, n.clientAddress)

	if n.webhookURL == "" {
		n.logger.Printf("notifier: id=%s %s", a.correlationID, body)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader([]byte(body)))
	if err != nil {
		n.logger.Printf("notifier: id=%s build request: %v", a.correlationID, err)
		return
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	req.Header.Set("X-Correlation-ID", a.correlationID)

	resp, err := n.httpClient.Do(req)
	if err != nil {
		n.logger.Printf("notifier: id=%s post %s: %v", a.correlationID, n.webhookURL, err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		n.logger.Printf("notifier: id=%s post %s: status %d", a.correlationID, n.webhookURL, resp.StatusCode)
	}
}

// tokenPattern matches the webhook template's keyword-substitution
// tokens (spec.md §6: "{level}", "{BlockNumber}", "{error}",
// "{KeeperName}", "{ClientAddress}"); render substitutes each match
// with regexp.ReplaceAllStringFunc.
var tokenPattern = regexp.MustCompile(`\{(level|BlockNumber|error|KeeperName|ClientAddress)\}`)

func render(tmpl, level string, blockNumber *uint64, err error, keeperName, clientAddress string) string {
	blockStr := "none"
	if blockNumber != nil {
		blockStr = fmt.Sprintf("%d", *blockNumber)
	}
	errStr := ""
	if err != nil {
		errStr = err.Error()
	}

	return tokenPattern.ReplaceAllStringFunc(tmpl, func(tok string) string {
		switch tok {
		case "{level}":
			return level
		case "{BlockNumber}":
			return blockStr
		case "{error}":
			return errStr
		case "{KeeperName}":
			return keeperName
		case "{ClientAddress}":
			return clientAddress
		default:
			return tok
		}
	})
}

// DefaultTemplate is used when no template file is configured.
const DefaultTemplate = "[{level}] keeper={KeeperName} address={ClientAddress} block={BlockNumber}: {error}"
