package runtime

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	dm "github.com/xmidt-org/devicemgr"
	"github.com/xmidt-org/devicemgr/addrtracker"
	"github.com/xmidt-org/devicemgr/controlplane"
)

// BusPoller is the narrow seam between a physical bus transceiver (I2C,
// RS-485, ...) and the buffering core: one poll of one address, returning
// the raw payload if the device responded. Aggregation, decoding, and
// anything else upstream of buffering is out of scope here, same as the
// discovery polling in DeviceAdapter.PollOnce is out of scope for Talaria.
type BusPoller interface {
	Poll(ctx context.Context, addr dm.BusAddr) (dm.PollResult, bool, error)
}

// HTTPBusPoller polls one address per request against a gateway that fronts
// the physical bus, GET {BaseURL}/poll/{addr in hex} returning the raw
// payload bytes. It follows the same http.Client-with-timeout, context-
// threaded request shape DeviceAdapter.PollOnce uses against Talaria,
// generalized from a devices-list JSON response to a raw-payload body.
type HTTPBusPoller struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPBusPoller returns a poller with a sane request timeout, mirroring
// NewDeviceAdapter's default client construction.
func NewHTTPBusPoller(baseURL string) *HTTPBusPoller {
	return &HTTPBusPoller{BaseURL: baseURL, Client: &http.Client{Timeout: 5 * time.Second}}
}

// Poll fetches the address's payload. A 404 response means the address did
// not respond this cycle (responded=false, err=nil); any other non-200
// status or transport error is returned as an error with responded=false.
func (p *HTTPBusPoller) Poll(ctx context.Context, addr dm.BusAddr) (dm.PollResult, bool, error) {
	url := fmt.Sprintf("%s/poll/%x", p.BaseURL, uint32(addr))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return dm.PollResult{}, false, err
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return dm.PollResult{}, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return dm.PollResult{}, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return dm.PollResult{}, false, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return dm.PollResult{}, false, err
	}
	return dm.PollResult{Addr: addr, TimeUs: uint64(time.Now().UnixMicro()), Payload: payload}, true, nil
}

// BusLoop repeatedly polls a fixed set of addresses on an interval, feeding
// successful reads into a controlplane.Core and every attempt's outcome
// into an addrtracker.Registry. It mirrors the ticker-driven loop
// cmd/devicemgr uses for discovery polling, generalized to per-address
// payload polling with online/offline hysteresis.
type BusLoop struct {
	Poller   BusPoller
	Core     *controlplane.Core
	Tracker  *addrtracker.Registry
	Addrs    []dm.BusAddr
	Interval time.Duration
	Logger   *log.Logger

	buffers map[dm.BusAddr]func(dm.PollResult) error
}

// Run polls every configured address once per Interval until ctx is
// canceled. A non-responding address still feeds the hysteresis tracker so
// the offline transition can fire after FailMax consecutive misses.
func (l *BusLoop) Run(ctx context.Context) {
	if l.Interval <= 0 {
		l.Interval = time.Second
	}
	logger := l.Logger
	if logger == nil {
		logger = log.Default()
	}

	ticker := time.NewTicker(l.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, addr := range l.Addrs {
				l.pollOne(ctx, addr, logger)
			}
		}
	}
}

func (l *BusLoop) pollOne(ctx context.Context, addr dm.BusAddr, logger *log.Logger) {
	result, responded, err := l.Poller.Poll(ctx, addr)
	if err != nil {
		logger.Printf("bus poll addr=0x%x: %v", uint32(addr), err)
		responded = false
	}

	changed, spurious := l.Tracker.Observe(addr, responded)
	if changed && !spurious {
		if l.Tracker.Get(addr).Online() {
			_ = l.Core.NotifyAddressOnline(addr)
		}
	}

	if !responded {
		return
	}
	if err := l.Core.PutPollResult(addr, uint64(result.TimeUs), result.Payload); err != nil {
		logger.Printf("put poll result addr=0x%x: %v", uint32(addr), err)
	}
}
