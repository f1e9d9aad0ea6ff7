// Package shelly talks to the network-attached relay/meter devices. Each
// physical device gets a Worker that serialises all RPCs to it; the control
// loop never calls a device directly.
package shelly

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/marloweh/powercontroller/telemetry"
)

// Status is a snapshot of everything a device reports in one poll.
type Status struct {
	Device    string
	Taken     time.Time
	Relays    map[int]bool
	Inputs    map[int]bool
	Meters    map[int]telemetry.MeterReading
	Temps     map[string]telemetry.TempReading
	InternalC *float64 // device internal temperature, if reported
}

// Client is the RPC surface a device exposes. Implementations must honour
// the context deadline on every call.
type Client interface {
	GetStatus(ctx context.Context, device string) (Status, error)
	SetOutput(ctx context.Context, device string, relay int, on bool) error
	ReadMeter(ctx context.Context, device string, meter int) (telemetry.MeterReading, error)
	ReadTemp(ctx context.Context, device string, probe string) (telemetry.TempReading, error)
}

// RPCClient talks the Gen2 HTTP RPC dialect to on-LAN devices.
type RPCClient struct {
	hosts  map[string]string // device name -> host:port
	client http.Client
}

// NewRPCClient returns a client for the given device name to host mapping.
func NewRPCClient(hosts map[string]string, timeout time.Duration) *RPCClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &RPCClient{
		hosts:  hosts,
		client: http.Client{Timeout: timeout},
	}
}

func (c *RPCClient) hostFor(device string) (string, error) {
	host, ok := c.hosts[device]
	if !ok {
		return "", fmt.Errorf("unknown device %q", device)
	}
	return host, nil
}

func (c *RPCClient) rpc(ctx context.Context, device, method string, params url.Values, out any) error {
	host, err := c.hostFor(device)
	if err != nil {
		return err
	}

	endpoint := fmt.Sprintf("http://%s/rpc/%s", host, method)
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build RPC request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", device, method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("%s %s returned %d: %s", device, method, resp.StatusCode, body)
	}
	if out == nil {
		return nil
	}
	if err = json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", device, method, err)
	}
	return nil
}

// GetStatus polls the full device status in one RPC.
func (c *RPCClient) GetStatus(ctx context.Context, device string) (Status, error) {
	var raw map[string]json.RawMessage
	if err := c.rpc(ctx, device, "Shelly.GetStatus", nil, &raw); err != nil {
		return Status{}, err
	}

	status := Status{
		Device: device,
		Taken:  time.Now(),
		Relays: map[int]bool{},
		Inputs: map[int]bool{},
		Meters: map[int]telemetry.MeterReading{},
		Temps:  map[string]telemetry.TempReading{},
	}

	for key, section := range raw {
		var idx int
		switch {
		case matchComponent(key, "switch", &idx):
			var sw struct {
				Output  bool    `json:"output"`
				APower  float64 `json:"apower"`
				AEnergy struct {
					Total float64 `json:"total"`
				} `json:"aenergy"`
			}
			if err := json.Unmarshal(section, &sw); err != nil {
				continue
			}
			status.Relays[idx] = sw.Output
			status.Meters[idx] = telemetry.MeterReading{
				ID:       uuid.New(),
				Time:     status.Taken,
				Device:   device,
				Meter:    idx,
				PowerW:   sw.APower,
				EnergyWh: sw.AEnergy.Total,
			}
		case matchComponent(key, "input", &idx):
			var in struct {
				State bool `json:"state"`
			}
			if err := json.Unmarshal(section, &in); err != nil {
				continue
			}
			status.Inputs[idx] = in.State
		case matchComponent(key, "temperature", &idx):
			var temp struct {
				TC float64 `json:"tC"`
			}
			if err := json.Unmarshal(section, &temp); err != nil {
				continue
			}
			status.Temps[fmt.Sprintf("%s:%d", device, idx)] = telemetry.TempReading{
				ID:       uuid.New(),
				Time:     status.Taken,
				Probe:    fmt.Sprintf("%s:%d", device, idx),
				DegreesC: temp.TC,
			}
		case key == "sys":
			var sys struct {
				Temperature *struct {
					TC float64 `json:"tC"`
				} `json:"temperature"`
			}
			if err := json.Unmarshal(section, &sys); err == nil && sys.Temperature != nil {
				tc := sys.Temperature.TC
				status.InternalC = &tc
			}
		}
	}

	return status, nil
}

// matchComponent parses keys like "switch:0" into their index.
func matchComponent(key, prefix string, idx *int) bool {
	var n int
	if _, err := fmt.Sscanf(key, prefix+":%d", &n); err != nil {
		return false
	}
	*idx = n
	return true
}

// SetOutput commands one relay on the device.
func (c *RPCClient) SetOutput(ctx context.Context, device string, relay int, on bool) error {
	params := url.Values{}
	params.Set("id", fmt.Sprintf("%d", relay))
	params.Set("on", fmt.Sprintf("%t", on))
	return c.rpc(ctx, device, "Switch.Set", params, nil)
}

// ReadMeter reads the power/energy counters for one switch channel.
func (c *RPCClient) ReadMeter(ctx context.Context, device string, meter int) (telemetry.MeterReading, error) {
	params := url.Values{}
	params.Set("id", fmt.Sprintf("%d", meter))

	var sw struct {
		APower  float64 `json:"apower"`
		AEnergy struct {
			Total float64 `json:"total"`
		} `json:"aenergy"`
	}
	if err := c.rpc(ctx, device, "Switch.GetStatus", params, &sw); err != nil {
		return telemetry.MeterReading{}, err
	}
	return telemetry.MeterReading{
		ID:       uuid.New(),
		Time:     time.Now(),
		Device:   device,
		Meter:    meter,
		PowerW:   sw.APower,
		EnergyWh: sw.AEnergy.Total,
	}, nil
}

// ReadTemp reads one temperature probe attached to the device.
func (c *RPCClient) ReadTemp(ctx context.Context, device string, probe string) (telemetry.TempReading, error) {
	var id int
	if _, err := fmt.Sscanf(probe, device+":%d", &id); err != nil {
		// probes may also be configured by bare index
		if _, err = fmt.Sscanf(probe, "%d", &id); err != nil {
			return telemetry.TempReading{}, fmt.Errorf("probe %q is not addressable on %s", probe, device)
		}
	}

	params := url.Values{}
	params.Set("id", fmt.Sprintf("%d", id))

	var temp struct {
		TC float64 `json:"tC"`
	}
	if err := c.rpc(ctx, device, "Temperature.GetStatus", params, &temp); err != nil {
		return telemetry.TempReading{}, err
	}
	return telemetry.TempReading{
		ID:       uuid.New(),
		Time:     time.Now(),
		Probe:    probe,
		DegreesC: temp.TC,
	}, nil
}
