// Package config loads and validates the blelog YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/srg/blelog/internal/decode"
	"github.com/srg/blelog/internal/device"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"gopkg.in/yaml.v3"
)

// DefaultPath is used when no --config flag is given.
const DefaultPath = "blelog.yaml"

// Config holds application configuration
type Config struct {
	Devices    Devices          `yaml:"devices"`
	Endpoints  []*Endpoint      `yaml:"endpoints"`
	Connection ConnectionConfig `yaml:"connection"`
	Scan       ScanConfig       `yaml:"scan"`
	Fanout     FanoutConfig     `yaml:"fanout"`
	Consumers  ConsumersConfig  `yaml:"consumers"`
	Status     StatusConfig     `yaml:"status"`
	Log        LogConfig        `yaml:"log"`

	registry *orderedmap.OrderedMap[string, *Endpoint]
	patterns []*regexp.Regexp
}

// Devices selects which peripherals become candidates.
type Devices struct {
	// Addresses are pre-registered and tracked from startup.
	Addresses []string `yaml:"addresses"`
	// NamePatterns match advertised names from the start of the name.
	NamePatterns []string `yaml:"name_patterns"`
	// Aliases maps an address to a unique display name.
	Aliases map[string]string `yaml:"aliases"`
}

// Endpoint is one subscribed characteristic. Immutable after Load.
type Endpoint struct {
	Name    string         `yaml:"name"`
	UUID    string         `yaml:"uuid"`
	Timeout *time.Duration `yaml:"timeout"`
	Columns []string       `yaml:"columns"`
	Decoder DecoderConfig  `yaml:"decoder"`

	decoder decode.Decoder
}

// DecoderConfig selects exactly one decoder kind.
type DecoderConfig struct {
	// Format is a binary record layout, e.g. "<Hh".
	Format string `yaml:"format"`
	// Length, when set, is the exact payload size for Format.
	Length int `yaml:"length"`
	// Lua is an inline script defining decode(data).
	Lua string `yaml:"lua"`
	// LuaFile is a script path, relative to the config file.
	LuaFile string `yaml:"lua_file"`
}

type ConnectionConfig struct {
	MaxActive         int           `yaml:"max_active" default:"3"`
	MaxAttempts       int           `yaml:"max_attempts" default:"1"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout" default:"30s"`
	SubscribeTimeout  time.Duration `yaml:"subscribe_timeout" default:"10s"`
	DisconnectTimeout time.Duration `yaml:"disconnect_timeout" default:"20s"`
	InitialGrace      time.Duration `yaml:"initial_grace" default:"10s"`
	ManagerInterval   time.Duration `yaml:"manager_interval" default:"1s"`
	PollInterval      time.Duration `yaml:"poll_interval" default:"20ms"`
	NotificationQueue int           `yaml:"notification_queue" default:"256"`
	Heartbeat         Heartbeat     `yaml:"heartbeat"`
}

// Heartbeat periodically reads a characteristic to detect a dead link.
// An empty UUID disables it.
type Heartbeat struct {
	UUID     string        `yaml:"uuid"`
	PollRate time.Duration `yaml:"poll_rate" default:"5s"`
	Timeout  time.Duration `yaml:"timeout" default:"3s"`
}

// Enabled reports whether a heartbeat characteristic is configured.
func (h Heartbeat) Enabled() bool { return h.UUID != "" }

type ScanConfig struct {
	Duration    time.Duration `yaml:"duration" default:"3s"`
	Cooldown    time.Duration `yaml:"cooldown" default:"3s"`
	SeenTimeout time.Duration `yaml:"seen_timeout" default:"20s"`
}

type FanoutConfig struct {
	FunnelCapacity  int           `yaml:"funnel_capacity" default:"1024"`
	InboxCapacity   int           `yaml:"inbox_capacity" default:"1024"`
	ReceiveTimeout  time.Duration `yaml:"receive_timeout" default:"500ms"`
	MonitorInterval time.Duration `yaml:"monitor_interval" default:"5s"`
	HighWater       int           `yaml:"high_water" default:"300"`
	WarnInterval    time.Duration `yaml:"warn_interval" default:"60s"`
}

type ConsumersConfig struct {
	CSV        CSVConfig        `yaml:"csv"`
	SQLite     SQLiteConfig     `yaml:"sqlite"`
	Throughput ThroughputConfig `yaml:"throughput"`
	IndexCheck IndexCheckConfig `yaml:"index_check"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	NATS       NATSConfig       `yaml:"nats"`
}

type CSVConfig struct {
	Enabled bool   `yaml:"enabled" default:"true"`
	Dir     string `yaml:"dir" default:"output_csv"`
}

type SQLiteConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Path          string        `yaml:"path" default:"blelog.db"`
	BatchSize     int           `yaml:"batch_size" default:"100"`
	FlushInterval time.Duration `yaml:"flush_interval" default:"1s"`
}

type ThroughputConfig struct {
	Enabled bool          `yaml:"enabled" default:"true"`
	Period  time.Duration `yaml:"period" default:"2s"`
}

type IndexCheckConfig struct {
	Enabled bool `yaml:"enabled"`
	// Endpoints limits checking to these endpoint names; empty means all.
	Endpoints []string `yaml:"endpoints"`
	// Modulus wraps the index, e.g. 65536 for a uint16 counter. 0 disables wrapping.
	Modulus int64 `yaml:"modulus"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen" default:":9464"`
}

type NATSConfig struct {
	Enabled       bool          `yaml:"enabled"`
	URL           string        `yaml:"url" default:"nats://127.0.0.1:4222"`
	SubjectPrefix string        `yaml:"subject_prefix" default:"blelog"`
	ClientName    string        `yaml:"client_name" default:"blelog"`
	Timeout       time.Duration `yaml:"timeout" default:"5s"`
}

type StatusConfig struct {
	Enabled  bool          `yaml:"enabled" default:"true"`
	Interval time.Duration `yaml:"interval" default:"2s"`
	Plain    bool          `yaml:"plain"`
	LogLines int           `yaml:"log_lines" default:"8"`
}

type LogConfig struct {
	File string `yaml:"file"`
}

// ValidationError lists every configuration problem found.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", strings.Join(e.Problems, "; "))
}

func (e *ValidationError) add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

// Default returns a configuration with every default applied and no devices or endpoints.
func Default() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads, parses and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data, filepath.Dir(path))
}

// Parse decodes YAML over the defaults, validates it and compiles decoders.
// Relative lua_file paths are resolved against baseDir.
func Parse(data []byte, baseDir string) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(baseDir); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate canonicalizes identifiers, checks uniqueness and limits, and
// compiles decoders. It returns *ValidationError listing every problem.
func (c *Config) Validate(baseDir string) error {
	verr := &ValidationError{}

	c.validateDevices(verr)
	c.validateEndpoints(verr, baseDir)
	c.validateLimits(verr)

	if len(verr.Problems) > 0 {
		c.Close()
		return verr
	}
	return nil
}

func (c *Config) validateDevices(verr *ValidationError) {
	seen := make(map[string]bool, len(c.Devices.Addresses))
	addrs := make([]string, 0, len(c.Devices.Addresses))
	for _, a := range c.Devices.Addresses {
		ca := device.CanonicalAddress(a)
		if ca == "" {
			verr.add("empty device address")
			continue
		}
		if seen[ca] {
			verr.add("duplicate device address %q", ca)
			continue
		}
		seen[ca] = true
		addrs = append(addrs, ca)
	}
	c.Devices.Addresses = addrs

	c.patterns = c.patterns[:0]
	for _, p := range c.Devices.NamePatterns {
		re, err := regexp.Compile("^(?:" + p + ")")
		if err != nil {
			verr.add("invalid name pattern %q: %v", p, err)
			continue
		}
		c.patterns = append(c.patterns, re)
	}

	aliases := make(map[string]string, len(c.Devices.Aliases))
	byAlias := make(map[string]string, len(c.Devices.Aliases))
	keys := make([]string, 0, len(c.Devices.Aliases))
	for k := range c.Devices.Aliases {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		alias := strings.TrimSpace(c.Devices.Aliases[k])
		ca := device.CanonicalAddress(k)
		if alias == "" {
			verr.add("empty alias for device %q", ca)
			continue
		}
		if _, dup := aliases[ca]; dup {
			verr.add("duplicate alias entry for device %q", ca)
			continue
		}
		if other, dup := byAlias[alias]; dup {
			verr.add("duplicate alias %q for devices %q and %q", alias, other, ca)
			continue
		}
		aliases[ca] = alias
		byAlias[alias] = ca
	}
	c.Devices.Aliases = aliases
}

func (c *Config) validateEndpoints(verr *ValidationError, baseDir string) {
	c.registry = orderedmap.New[string, *Endpoint]()
	names := make(map[string]bool, len(c.Endpoints))

	if len(c.Endpoints) == 0 {
		verr.add("no endpoints configured")
	}

	for i, ep := range c.Endpoints {
		if ep == nil {
			verr.add("endpoint #%d is empty", i+1)
			continue
		}
		ep.Name = strings.TrimSpace(ep.Name)
		ep.UUID = device.CanonicalUUID(ep.UUID)

		label := ep.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i+1)
			verr.add("endpoint %s has no name", label)
		} else if names[ep.Name] {
			verr.add("duplicate endpoint name %q", ep.Name)
		}
		names[ep.Name] = true

		if _, err := device.ValidateUUID(ep.UUID); err != nil {
			verr.add("endpoint %s: %v", label, err)
		} else if _, dup := c.registry.Get(ep.UUID); dup {
			verr.add("duplicate endpoint uuid %q", ep.UUID)
		} else {
			c.registry.Set(ep.UUID, ep)
		}

		if ep.Timeout != nil && *ep.Timeout <= 0 {
			verr.add("endpoint %s: timeout must be positive", label)
		}
		if len(ep.Columns) == 0 {
			verr.add("endpoint %s: no columns", label)
		}

		d, err := ep.Decoder.build(baseDir, len(ep.Columns))
		if err != nil {
			verr.add("endpoint %s: %v", label, err)
			continue
		}
		ep.decoder = d
	}

	if c.Connection.Heartbeat.Enabled() {
		c.Connection.Heartbeat.UUID = device.CanonicalUUID(c.Connection.Heartbeat.UUID)
		if _, err := device.ValidateUUID(c.Connection.Heartbeat.UUID); err != nil {
			verr.add("heartbeat: %v", err)
		}
	}
}

func (c *Config) validateLimits(verr *ValidationError) {
	positiveInt := map[string]int{
		"connection.max_active":         c.Connection.MaxActive,
		"connection.max_attempts":       c.Connection.MaxAttempts,
		"connection.notification_queue": c.Connection.NotificationQueue,
		"fanout.funnel_capacity":        c.Fanout.FunnelCapacity,
		"fanout.inbox_capacity":         c.Fanout.InboxCapacity,
	}
	positiveDur := map[string]time.Duration{
		"connection.connect_timeout":    c.Connection.ConnectTimeout,
		"connection.disconnect_timeout": c.Connection.DisconnectTimeout,
		"connection.manager_interval":   c.Connection.ManagerInterval,
		"connection.subscribe_timeout":  c.Connection.SubscribeTimeout,
		"connection.poll_interval":      c.Connection.PollInterval,
		"scan.duration":                 c.Scan.Duration,
		"scan.seen_timeout":             c.Scan.SeenTimeout,
		"fanout.receive_timeout":        c.Fanout.ReceiveTimeout,
		"fanout.monitor_interval":       c.Fanout.MonitorInterval,
	}

	keys := make([]string, 0, len(positiveInt)+len(positiveDur))
	for k := range positiveInt {
		keys = append(keys, k)
	}
	for k := range positiveDur {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if v, ok := positiveInt[k]; ok && v <= 0 {
			verr.add("%s must be > 0", k)
		}
		if v, ok := positiveDur[k]; ok && v <= 0 {
			verr.add("%s must be > 0", k)
		}
	}

	if c.Connection.InitialGrace < 0 {
		verr.add("connection.initial_grace must be >= 0")
	}
	if c.Scan.Cooldown < 0 {
		verr.add("scan.cooldown must be >= 0")
	}
	if c.Connection.Heartbeat.Enabled() && (c.Connection.Heartbeat.PollRate <= 0 || c.Connection.Heartbeat.Timeout <= 0) {
		verr.add("heartbeat poll_rate and timeout must be > 0")
	}
	if c.Consumers.SQLite.Enabled {
		if c.Consumers.SQLite.BatchSize <= 0 {
			verr.add("consumers.sqlite.batch_size must be > 0")
		}
		c.validateSQLSchema(verr)
	}
	if c.Consumers.Throughput.Enabled && c.Consumers.Throughput.Period <= 0 {
		verr.add("consumers.throughput.period must be > 0")
	}
	if ic := c.Consumers.IndexCheck; ic.Enabled {
		if ic.Modulus < 0 {
			verr.add("consumers.index_check.modulus must be >= 0")
		}
		for _, name := range ic.Endpoints {
			if c.endpointNamed(name) == nil {
				verr.add("consumers.index_check: unknown endpoint %q", name)
			}
		}
	}
}

// sqlReservedColumns are created by the SQLite consumer in every table.
var sqlReservedColumns = map[string]bool{"id": true, "device_name": true}

// validateSQLSchema rejects endpoints whose table or column names collide once
// turned into SQL identifiers.
func (c *Config) validateSQLSchema(verr *ValidationError) {
	tables := make(map[string]string)
	for _, ep := range c.Endpoints {
		if ep == nil {
			continue
		}
		table := SQLIdentifier(ep.Name)
		if prev, ok := tables[table]; ok {
			verr.add("consumers.sqlite: endpoints %q and %q both map to table %q", prev, ep.Name, table)
		} else {
			tables[table] = ep.Name
		}

		cols := make(map[string]string)
		for _, col := range ep.Columns {
			id := SQLIdentifier(col)
			if sqlReservedColumns[id] {
				verr.add("consumers.sqlite: endpoint %q: column %q is reserved", ep.Name, col)
				continue
			}
			if prev, ok := cols[id]; ok {
				verr.add("consumers.sqlite: endpoint %q: columns %q and %q both map to %q", ep.Name, prev, col, id)
				continue
			}
			cols[id] = col
		}
	}
}

var nonIdentifier = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// SQLIdentifier turns name into a lower-case SQL identifier.
func SQLIdentifier(name string) string {
	name = nonIdentifier.ReplaceAllString(name, "_")
	if name == "" || (name[0] >= '0' && name[0] <= '9') {
		name = "_" + name
	}
	return strings.ToLower(name)
}

func (c *Config) endpointNamed(name string) *Endpoint {
	for _, ep := range c.Endpoints {
		if ep != nil && ep.Name == name {
			return ep
		}
	}
	return nil
}

func (d DecoderConfig) build(baseDir string, columns int) (decode.Decoder, error) {
	kinds := 0
	for _, set := range []bool{d.Format != "", d.Lua != "", d.LuaFile != ""} {
		if set {
			kinds++
		}
	}
	if kinds != 1 {
		return nil, fmt.Errorf("decoder must set exactly one of format, lua, lua_file")
	}

	switch {
	case d.Format != "":
		f, err := decode.NewFormat(d.Format, d.Length)
		if err != nil {
			return nil, err
		}
		if columns > 0 && f.Columns() != columns {
			return nil, fmt.Errorf("format %q yields %d values but %d columns are configured", d.Format, f.Columns(), columns)
		}
		return f, nil
	case d.Lua != "":
		return decode.NewLua(d.Lua, "inline", columns)
	default:
		path := d.LuaFile
		if !filepath.IsAbs(path) && baseDir != "" {
			path = filepath.Join(baseDir, path)
		}
		return decode.NewLuaFile(path, columns)
	}
}

// Decode runs the endpoint's compiled decoder.
func (e *Endpoint) Decode(data []byte) ([][]any, error) {
	if e.decoder == nil {
		return nil, fmt.Errorf("endpoint %s has no decoder", e.Name)
	}
	return e.decoder.Decode(data)
}

// WithDecoder sets the decoder directly, bypassing DecoderConfig.
func (e *Endpoint) WithDecoder(d decode.Decoder) *Endpoint {
	e.decoder = d
	return e
}

// HasTimeout reports whether the endpoint is monitored for silence.
func (e *Endpoint) HasTimeout() bool {
	return e.Timeout != nil
}

// Close releases decoder resources.
func (c *Config) Close() {
	if c.registry == nil {
		return
	}
	for pair := c.registry.Oldest(); pair != nil; pair = pair.Next() {
		if closer, ok := pair.Value.decoder.(interface{ Close() }); ok {
			closer.Close()
		}
	}
}

// EndpointByUUID looks up an endpoint by canonical UUID.
func (c *Config) EndpointByUUID(uuid string) (*Endpoint, bool) {
	return c.registry.Get(device.CanonicalUUID(uuid))
}

// OrderedEndpoints returns endpoints in file order.
func (c *Config) OrderedEndpoints() []*Endpoint {
	out := make([]*Endpoint, 0, c.registry.Len())
	for pair := c.registry.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// NamePatterns returns the compiled name patterns.
func (c *Config) NamePatterns() []*regexp.Regexp {
	return c.patterns
}

// ExplicitDevices returns pre-registered canonical addresses mapped to their alias.
func (c *Config) ExplicitDevices() map[string]string {
	out := make(map[string]string, len(c.Devices.Addresses))
	for _, a := range c.Devices.Addresses {
		out[a] = c.Devices.Aliases[a]
	}
	return out
}

// Alias returns the alias for a canonical address, or "".
func (c *Config) Alias(address string) string {
	return c.Devices.Aliases[device.CanonicalAddress(address)]
}
