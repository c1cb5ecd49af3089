package rtc

import (
	"fmt"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/speechgate/internal/core"
)

type Config struct {
	ICEServers []string
	UDPPortMin uint16
	UDPPortMax uint16
}

// MediaDefaults seeds capture settings of new connections.
type MediaDefaults struct {
	Camera          core.VideoCapability
	ScreenFramerate int
	ScreenBitrate   int
}

// Factory owns the WebRTC API shared by every connection of one session and
// closes whatever is still open on Dispose.
type Factory struct {
	api      *webrtc.API
	cfg      webrtc.Configuration
	sources  core.SourceProvider
	catalog  core.DeviceCatalog
	defaults MediaDefaults

	mu     sync.Mutex
	conns  map[*PeerConnection]struct{}
	closed bool
}

var _ core.ConnectionFactory = (*Factory)(nil)

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}
}

func NewFactory(cfg Config, defaults MediaDefaults, sources core.SourceProvider, catalog core.DeviceCatalog) (*Factory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	if err := m.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: sdp.AudioLevelURI}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register audio level extension: %w", err)
	}
	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.LoggerFactory = NewLoggerFactory()
	if cfg.UDPPortMin != 0 && cfg.UDPPortMax != 0 {
		if err := se.SetEphemeralUDPPortRange(cfg.UDPPortMin, cfg.UDPPortMax); err != nil {
			return nil, fmt.Errorf("udp port range: %w", err)
		}
	}

	rtcCfg := DefaultWebRTCConfig()
	if len(cfg.ICEServers) > 0 {
		rtcCfg.ICEServers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}

	return &Factory{
		api:      webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(i), webrtc.WithSettingEngine(se)),
		cfg:      rtcCfg,
		sources:  sources,
		catalog:  catalog,
		defaults: defaults,
		conns:    make(map[*PeerConnection]struct{}),
	}, nil
}

func (f *Factory) NewConnection(label string) (core.MediaConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	pc, err := f.api.NewPeerConnection(f.cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	c := newPeerConnection(pc, label, f.sources, f.catalog, f.defaults)
	c.release = func() { f.forget(c) }
	f.conns[c] = struct{}{}
	log.Debug().Str("module", "rtc.factory").Str("pc", label).Int("open", len(f.conns)).Msg("connection created")
	return c, nil
}

func (f *Factory) forget(c *PeerConnection) {
	f.mu.Lock()
	delete(f.conns, c)
	f.mu.Unlock()
}

// Open returns the number of connections not yet closed.
func (f *Factory) Open() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

// Dispose closes all remaining connections and rejects new ones.
func (f *Factory) Dispose() {
	f.mu.Lock()
	f.closed = true
	conns := make([]*PeerConnection, 0, len(f.conns))
	for c := range f.conns {
		conns = append(conns, c)
	}
	f.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	log.Info().Str("module", "rtc.factory").Int("closed", len(conns)).Msg("factory disposed")
}
