package device

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/ip2location/ip2location-go/v9"
	"golang.org/x/crypto/blake2b"

	"github.com/reddimon/attribution-go/logger"
)

var log = logger.ZapForComponent("device")

const idFileName = "device_id"

// Signals is the raw device signal set handed in by the platform layer.
// Any field may be empty; the fingerprint degrades to whatever is present.
type Signals struct {
	Platform     string
	OSVersion    string
	Model        string
	Manufacturer string
	Locale       string
	Timezone     string
	ScreenSize   string
	PublicIP     string
	Emulator     bool
	VPN          bool
	Proxy        bool
}

// Context is the immutable device snapshot embedded into every event.
type Context struct {
	DeviceID    string `json:"deviceId"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Platform    string `json:"platform,omitempty"`
	OSVersion   string `json:"osVersion,omitempty"`
	IsEmulator  bool   `json:"isEmulator"`
	IsVPN       bool   `json:"isVPN"`
	IsProxy     bool   `json:"isProxy"`
}

// Provider derives the stable device id and the per-call fingerprint.
type Provider struct {
	mu             sync.Mutex
	stateDir       string
	signals        Signals
	fingerprinting bool
	ipDB           *ip2location.DB
	deviceID       string
}

// NewProvider builds a provider. stateDir may be empty, in which case the
// device id lives only for the process lifetime. binPath points at an
// IP2Location BIN database and may be empty to skip IP intelligence.
func NewProvider(stateDir string, signals Signals, fingerprinting bool, binPath string) *Provider {
	p := &Provider{
		stateDir:       stateDir,
		signals:        signals,
		fingerprinting: fingerprinting,
	}
	if binPath != "" {
		db, err := ip2location.OpenDB(binPath)
		if err != nil {
			log.Warnf("cannot open IP2Location database %s, degrading to static signals: %v", binPath, err)
		} else {
			p.ipDB = db
		}
	}
	return p
}

// DeviceID returns the stable device identifier, generating and persisting
// it on first call. Persistence failures degrade to an in-memory id so that
// identity collection never blocks tracking.
func (p *Provider) DeviceID() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.deviceID != "" {
		return p.deviceID
	}
	if p.stateDir != "" {
		idPath := filepath.Join(p.stateDir, idFileName)
		if raw, err := os.ReadFile(idPath); err == nil {
			if id := strings.TrimSpace(string(raw)); id != "" {
				p.deviceID = id
				return p.deviceID
			}
		}
		p.deviceID = uuid.NewString()
		if err := os.MkdirAll(p.stateDir, 0o755); err != nil {
			log.Warnf("cannot create state dir %s: %v", p.stateDir, err)
		} else if err := os.WriteFile(idPath, []byte(p.deviceID), 0o644); err != nil {
			log.Warnf("cannot persist device id: %v", err)
		}
		return p.deviceID
	}
	p.deviceID = uuid.NewString()
	return p.deviceID
}

// Fingerprint digests the current signal set. Deterministic for a given set
// of signals, empty when fingerprinting is disabled.
func (p *Provider) Fingerprint() string {
	if !p.fingerprinting {
		return ""
	}
	pairs := map[string]string{
		"platform":     p.signals.Platform,
		"os_version":   p.signals.OSVersion,
		"model":        p.signals.Model,
		"manufacturer": p.signals.Manufacturer,
		"locale":       p.signals.Locale,
		"timezone":     p.signals.Timezone,
		"screen":       p.signals.ScreenSize,
	}
	keys := make([]string, 0, len(pairs))
	for k, v := range pairs {
		if v != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s=%s;", k, pairs[k])
	}
	sum := blake2b.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

// IsEmulator reports the injected emulator signal.
func (p *Provider) IsEmulator() bool { return p.signals.Emulator }

// IsVPN combines the injected signal with IP intelligence when available.
func (p *Provider) IsVPN() bool {
	if p.signals.VPN {
		return true
	}
	return p.usageType() == "DCH" // hosting/data-center ranges are treated as VPN exits
}

// IsProxy combines the injected signal with IP intelligence when available.
func (p *Provider) IsProxy() bool {
	if p.signals.Proxy {
		return true
	}
	switch p.usageType() {
	case "SES", "RSV":
		return true
	}
	return false
}

func (p *Provider) usageType() string {
	if p.ipDB == nil || p.signals.PublicIP == "" {
		return ""
	}
	rec, err := p.ipDB.Get_usagetype(p.signals.PublicIP)
	if err != nil {
		log.Debugf("usage type lookup failed for %s: %v", p.signals.PublicIP, err)
		return ""
	}
	return strings.ToUpper(rec.Usagetype)
}

// Context snapshots the identity for embedding into an event.
func (p *Provider) Context() Context {
	return Context{
		DeviceID:    p.DeviceID(),
		Fingerprint: p.Fingerprint(),
		Platform:    p.signals.Platform,
		OSVersion:   p.signals.OSVersion,
		IsEmulator:  p.IsEmulator(),
		IsVPN:       p.IsVPN(),
		IsProxy:     p.IsProxy(),
	}
}

// Close releases the IP2Location handle if one was opened.
func (p *Provider) Close() {
	if p.ipDB != nil {
		p.ipDB.Close()
	}
}
