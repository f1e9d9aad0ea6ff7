package webapp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/marloweh/powercontroller/controller"
	"github.com/marloweh/powercontroller/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSource struct {
	snapshot controller.Snapshot
	err      error
}

func (s *stubSource) Snapshot(ctx context.Context) (controller.Snapshot, error) {
	return s.snapshot, s.err
}

// answerOverrides replies to override commands so handler tests don't need a
// running control loop.
func answerOverrides(commands chan any, knownOutput string) {
	go func() {
		for command := range commands {
			override, ok := command.(controller.OverrideCommand)
			if !ok {
				continue
			}
			if override.Output == knownOutput {
				override.Reply <- nil
			} else {
				override.Reply <- fmt.Errorf("unknown output %q", override.Output)
			}
		}
	}()
}

func newTestServer(config Config, source StateSource) (*Server, chan any, chan telemetry.InputEvent) {
	commands := make(chan any, 4)
	inputs := make(chan telemetry.InputEvent, 4)
	return New(config, source, commands, inputs), commands, inputs
}

func TestGetStateServesSnapshot(t *testing.T) {
	source := &stubSource{snapshot: controller.Snapshot{
		Time:    time.Date(2025, 6, 4, 10, 0, 0, 0, time.UTC),
		Outputs: []controller.OutputStatus{{Name: "pump", State: "ON"}},
	}}
	server, _, _ := newTestServer(Config{}, source)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var snapshot controller.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snapshot))
	require.Len(t, snapshot.Outputs, 1)
	assert.Equal(t, "pump", snapshot.Outputs[0].Name)
	assert.Equal(t, "ON", snapshot.Outputs[0].State)
}

func TestAccessKeyGuard(t *testing.T) {
	server, _, _ := newTestServer(Config{AccessKey: "secret"}, &stubSource{})

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Access-Key", "secret")
	server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPostOverride(t *testing.T) {
	server, commands, _ := newTestServer(Config{}, &stubSource{})
	answerOverrides(commands, "pump")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/override/pump",
		strings.NewReader(`{"state": "on", "ttlMinutes": 60}`))
	server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"on"`)
}

func TestPostOverrideUnknownOutput(t *testing.T) {
	server, commands, _ := newTestServer(Config{}, &stubSource{})
	answerOverrides(commands, "pump")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/override/nope",
		strings.NewReader(`{"state": "off"}`))
	server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPostOverrideRejectsBadState(t *testing.T) {
	server, _, _ := newTestServer(Config{}, &stubSource{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/override/pump",
		strings.NewReader(`{"state": "sideways"}`))
	server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPostRefresh(t *testing.T) {
	server, commands, _ := newTestServer(Config{}, &stubSource{})

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/refresh", nil))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	command := <-commands
	assert.IsType(t, controller.RefreshCommand{}, command)
}

func TestPostWebhookForwardsInputEvent(t *testing.T) {
	server, _, inputs := newTestServer(Config{}, &stubSource{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhook",
		strings.NewReader(`{"deviceId": "shed", "input": 1, "state": true}`))
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	event := <-inputs
	assert.Equal(t, "shed", event.Device)
	assert.Equal(t, 1, event.Input)
	assert.True(t, event.State)
}

func TestPostWebhookRejectsMissingDevice(t *testing.T) {
	server, _, _ := newTestServer(Config{}, &stubSource{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`{"input": 1}`))
	server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
