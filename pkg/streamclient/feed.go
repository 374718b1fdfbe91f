package streamclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tyemirov/streamgate/pkg/statussync"
	"go.uber.org/zap"
)

const maxEventSize = 64 << 10

type serverEvent struct {
	name string
	data string
}

// Subscribe implements statussync.ChangeFeed over the server's event stream.
// The stream is reopened after failures until the returned function is called.
func (client *Client) Subscribe(listener func(statussync.ChangeEvent)) (func(), error) {
	if listener == nil {
		return nil, fmt.Errorf("streamclient.subscribe: listener is nil")
	}
	ctx, cancel := context.WithCancel(context.Background())
	go client.followChanges(ctx, listener)
	return cancel, nil
}

func (client *Client) followChanges(ctx context.Context, listener func(statussync.ChangeEvent)) {
	for {
		streamErr := client.streamChanges(ctx, listener)
		if ctx.Err() != nil {
			return
		}
		client.logger.Warn("change stream interrupted",
			zap.String("code", "streamclient.changes.interrupted"),
			zap.Error(streamErr))
		select {
		case <-ctx.Done():
			return
		case <-time.After(client.reconnectDelay):
		}
	}
}

func (client *Client) streamChanges(ctx context.Context, listener func(statussync.ChangeEvent)) error {
	request, requestErr := http.NewRequestWithContext(ctx, http.MethodGet, client.endpoint("/api/access/changes"), nil)
	if requestErr != nil {
		return fmt.Errorf("streamclient.changes.request: %w", requestErr)
	}
	request.Header.Set("Accept", "text/event-stream")
	request.Header.Set("Cache-Control", "no-cache")

	streamingClient := *client.httpClient
	streamingClient.Timeout = 0
	response, doErr := streamingClient.Do(request)
	if doErr != nil {
		return fmt.Errorf("streamclient.changes.transport: %w", doErr)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return decodeAPIError(response)
	}

	return readEvents(response.Body, func(event serverEvent) {
		if event.name != "change" {
			return
		}
		var change statussync.ChangeEvent
		if err := json.Unmarshal([]byte(event.data), &change); err != nil {
			client.logger.Warn("change event ignored",
				zap.String("code", "streamclient.changes.decode"),
				zap.Error(err))
			return
		}
		if change.Table == "" {
			change.Table = statussync.AccessControlTable
		}
		listener(change)
	})
}

// readEvents parses a text/event-stream body and calls handle per event.
func readEvents(body io.Reader, handle func(serverEvent)) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 4096), maxEventSize)
	var event serverEvent
	var data []string
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if event.name != "" || len(data) > 0 {
				event.data = strings.Join(data, "\n")
				if event.name == "" {
					event.name = "message"
				}
				handle(event)
			}
			event = serverEvent{}
			data = data[:0]
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			event.name = value
		case "data":
			data = append(data, value)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("streamclient.changes.read: %w", err)
	}
	return io.ErrUnexpectedEOF
}
