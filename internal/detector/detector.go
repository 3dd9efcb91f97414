// internal/detector/detector.go
package detector

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/signalnine/saferun/internal/classifier"
	"github.com/signalnine/saferun/internal/metrics"
	"github.com/signalnine/saferun/internal/protocol"
	"github.com/signalnine/saferun/internal/rules"
)

// Defaults
const (
	DefaultEndpointURL    = "http://localhost:5000/api/predict"
	DefaultMaxFailures    = 5
	DefaultCacheSize      = 100
	DefaultSequenceLength = 5
	DefaultMaxSubjects    = 1000
)

// Status values reported by Status. Warning is rendered as "warning(N)".
const (
	StatusDisabled = "disabled"
	StatusFailing  = "failing"
	StatusActive   = "active"
)

var (
	// ErrEmptySubject is returned when Detect is called without a subject id
	ErrEmptySubject = errors.New("subject id is required")
	// ErrInvalidEndpoint is returned for endpoint URLs that are not absolute http(s) URLs
	ErrInvalidEndpoint = errors.New("invalid endpoint url")
	// ErrProbeUnsupported is returned by Probe when the classifier cannot probe
	ErrProbeUnsupported = errors.New("classifier does not support probing")
)

// Classifier scores a sequence of readings remotely
type Classifier interface {
	Predict(ctx context.Context, endpoint, subjectID string, readings []protocol.SensorReading) (bool, error)
}

// Prober is implemented by classifiers that can test an endpoint
type Prober interface {
	Probe(ctx context.Context, endpoint string) (bool, time.Duration, error)
}

// SettingsStore persists the administrative settings across restarts
type SettingsStore interface {
	SaveEnabled(ctx context.Context, enabled bool) error
	SaveEndpointURL(ctx context.Context, endpoint string) error
}

// SettingsSaver is implemented by stores that can save both settings atomically.
// Nil fields are left alone.
type SettingsSaver interface {
	SaveSettings(ctx context.Context, enabled *bool, endpoint *string) error
}

// Config for a Detector
type Config struct {
	Enabled        bool
	EndpointURL    string
	MaxFailures    int
	CacheSize      int
	SequenceLength int
	MaxSubjects    int
}

// DefaultConfig returns the stock detector configuration
func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		EndpointURL:    DefaultEndpointURL,
		MaxFailures:    DefaultMaxFailures,
		CacheSize:      DefaultCacheSize,
		SequenceLength: DefaultSequenceLength,
		MaxSubjects:    DefaultMaxSubjects,
	}
}

// Option configures a Detector
type Option func(*Detector)

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(d *Detector) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Detector) { d.metrics = m }
}

// WithSettingsStore persists SetEnabled and SetEndpointURL
func WithSettingsStore(s SettingsStore) Option {
	return func(d *Detector) { d.settings = s }
}

// WithState uses an existing State instead of building one from Config
func WithState(s *State) Option {
	return func(d *Detector) { d.state = s }
}

// Result is delivered by DetectAsync
type Result struct {
	Verdict protocol.Verdict
	Err     error
}

// Detector decides per reading whether to reuse a cached remote verdict, ask the
// remote classifier or apply local rules. Remote failures degrade to local rules
// and count toward a breaker that pins detection to local rules once it trips.
type Detector struct {
	classifier  Classifier
	state       *State
	maxFailures int
	settings    SettingsStore
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

// New creates a Detector
func New(cfg Config, c Classifier, opts ...Option) (*Detector, error) {
	if c == nil {
		return nil, errors.New("classifier is required")
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.SequenceLength <= 0 {
		cfg.SequenceLength = DefaultSequenceLength
	}
	if cfg.MaxSubjects <= 0 {
		cfg.MaxSubjects = DefaultMaxSubjects
	}
	if cfg.EndpointURL == "" {
		cfg.EndpointURL = DefaultEndpointURL
	}

	d := &Detector{
		classifier:  c,
		maxFailures: cfg.MaxFailures,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}

	if d.state == nil {
		state, err := NewState(cfg.Enabled, cfg.EndpointURL, cfg.CacheSize, cfg.SequenceLength, cfg.MaxSubjects)
		if err != nil {
			return nil, err
		}
		d.state = state
	}

	d.metrics.SetEnabled(d.state.Enabled())
	d.metrics.SetFailures(d.state.Failures())
	d.metrics.SetCacheEntries(d.state.Cache().Len())

	return d, nil
}

// State exposes the shared state
func (d *Detector) State() *State { return d.state }

// Detect classifies one reading for subjectID. The only errors are precondition
// violations (empty subject, invalid reading); remote failures always come back
// as a local-fallback verdict.
func (d *Detector) Detect(ctx context.Context, subjectID string, reading protocol.SensorReading) (protocol.Verdict, error) {
	if subjectID == "" {
		return protocol.Verdict{}, ErrEmptySubject
	}
	if err := reading.Validate(); err != nil {
		return protocol.Verdict{}, err
	}

	if !d.state.Enabled() {
		return d.local(reading, protocol.SourceLocalPrimary), nil
	}
	if d.state.Failures() >= d.maxFailures {
		return d.local(reading, protocol.SourceLocalFallback), nil
	}

	key := CacheKey(subjectID, reading)
	if cached, ok := d.state.Cache().Get(key); ok {
		d.logger.Debug("Using cached prediction",
			zap.String("subject_id", subjectID),
			zap.Bool("is_anomaly", cached))
		return d.verdict(cached, protocol.SourceRemoteCached), nil
	}

	// Only readings that reach the remote classifier join the window
	window := d.state.push(subjectID, reading)

	start := time.Now()
	isAnomaly, err := d.classifier.Predict(ctx, d.state.Endpoint(), subjectID, window)
	elapsed := time.Since(start)

	if err != nil {
		d.metrics.RecordRemote(outcome(err), elapsed)
		d.recordFailure(ctx, subjectID, err)
		return d.local(reading, protocol.SourceLocalFallback), nil
	}

	d.metrics.RecordRemote(metrics.OutcomeSuccess, elapsed)
	d.state.resetFailures()
	d.metrics.SetFailures(0)

	if d.state.Cache().Put(key, isAnomaly) {
		d.metrics.RecordEviction()
	}
	d.metrics.SetCacheEntries(d.state.Cache().Len())

	return d.verdict(isAnomaly, protocol.SourceRemote), nil
}

// DetectAsync runs Detect on its own goroutine. The returned channel yields
// exactly one Result and is then closed.
func (d *Detector) DetectAsync(ctx context.Context, subjectID string, reading protocol.SensorReading) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		defer close(ch)
		v, err := d.Detect(ctx, subjectID, reading)
		ch <- Result{Verdict: v, Err: err}
	}()
	return ch
}

func (d *Detector) recordFailure(ctx context.Context, subjectID string, err error) {
	// A caller that gave up is not evidence against the endpoint
	if ctx.Err() != nil {
		d.logger.Debug("Prediction abandoned by caller",
			zap.String("subject_id", subjectID),
			zap.Error(err))
		return
	}

	failures := d.state.incFailures()
	d.metrics.SetFailures(failures)

	d.logger.Warn("Remote classifier error, using local rules",
		zap.String("subject_id", subjectID),
		zap.Int("consecutive_failures", failures),
		zap.Error(err))

	if failures == d.maxFailures {
		d.logger.Warn("Too many remote classifier failures, switching to local detection",
			zap.Int("max_failures", d.maxFailures))
	}
}

func (d *Detector) local(reading protocol.SensorReading, source protocol.Source) protocol.Verdict {
	return d.verdict(rules.Evaluate(reading), source)
}

func (d *Detector) verdict(isAnomaly bool, source protocol.Source) protocol.Verdict {
	d.metrics.RecordDetection(string(source))
	return protocol.Verdict{IsAnomaly: isAnomaly, Source: source}
}

func outcome(err error) string {
	switch {
	case classifier.IsServerError(err):
		return metrics.OutcomeServer
	case classifier.IsParseError(err):
		return metrics.OutcomeParse
	default:
		return metrics.OutcomeNetwork
	}
}

// IsEnabled reports the master switch
func (d *Detector) IsEnabled() bool {
	return d.state.Enabled()
}

// SetEnabled flips the master switch. Enabling also resets the breaker.
// The in-memory switch changes even if persisting it fails.
func (d *Detector) SetEnabled(ctx context.Context, enabled bool) error {
	d.applyEnabled(enabled)

	if d.settings != nil {
		if err := d.settings.SaveEnabled(ctx, enabled); err != nil {
			return fmt.Errorf("persist enabled: %w", err)
		}
	}
	return nil
}

// EndpointURL returns the scoring endpoint
func (d *Detector) EndpointURL() string {
	return d.state.Endpoint()
}

// SetEndpointURL changes the scoring endpoint
func (d *Detector) SetEndpointURL(ctx context.Context, endpoint string) error {
	if err := ValidateEndpoint(endpoint); err != nil {
		return err
	}

	d.applyEndpoint(endpoint)

	if d.settings != nil {
		if err := d.settings.SaveEndpointURL(ctx, endpoint); err != nil {
			return fmt.Errorf("persist endpoint url: %w", err)
		}
	}
	return nil
}

// Update changes the switch and/or endpoint together. Both are saved before
// either changes in memory, so a save error leaves the live settings untouched.
// Nil arguments are left alone.
func (d *Detector) Update(ctx context.Context, enabled *bool, endpoint *string) error {
	if endpoint != nil {
		if err := ValidateEndpoint(*endpoint); err != nil {
			return err
		}
	}

	if err := d.save(ctx, enabled, endpoint); err != nil {
		return fmt.Errorf("persist settings: %w", err)
	}

	if endpoint != nil {
		d.applyEndpoint(*endpoint)
	}
	if enabled != nil {
		d.applyEnabled(*enabled)
	}
	return nil
}

func (d *Detector) save(ctx context.Context, enabled *bool, endpoint *string) error {
	if d.settings == nil {
		return nil
	}
	if s, ok := d.settings.(SettingsSaver); ok {
		return s.SaveSettings(ctx, enabled, endpoint)
	}
	if endpoint != nil {
		if err := d.settings.SaveEndpointURL(ctx, *endpoint); err != nil {
			return err
		}
	}
	if enabled != nil {
		return d.settings.SaveEnabled(ctx, *enabled)
	}
	return nil
}

func (d *Detector) applyEnabled(enabled bool) {
	d.state.setEnabled(enabled)
	if enabled {
		d.state.resetFailures()
		d.metrics.SetFailures(0)
	}
	d.metrics.SetEnabled(enabled)

	d.logger.Info("Remote classifier switched", zap.Bool("enabled", enabled))
}

func (d *Detector) applyEndpoint(endpoint string) {
	d.state.setEndpoint(endpoint)
	d.logger.Info("Remote classifier endpoint changed", zap.String("endpoint_url", endpoint))
}

// ResetFailureCounter re-arms the breaker without touching the switch
func (d *Detector) ResetFailureCounter() {
	d.state.resetFailures()
	d.metrics.SetFailures(0)
}

// ClearCache drops every cached remote verdict
func (d *Detector) ClearCache() {
	d.state.Cache().Clear()
	d.metrics.SetCacheEntries(0)
}

// ConsecutiveFailures returns the breaker counter
func (d *Detector) ConsecutiveFailures() int {
	return d.state.Failures()
}

// CacheLen returns the number of cached verdicts
func (d *Detector) CacheLen() int {
	return d.state.Cache().Len()
}

// Status summarizes the remote path: disabled, failing, warning(N) or active
func (d *Detector) Status() string {
	failures := d.state.Failures()
	switch {
	case !d.state.Enabled():
		return StatusDisabled
	case failures >= d.maxFailures:
		return StatusFailing
	case failures > 0:
		return fmt.Sprintf("warning(%d)", failures)
	default:
		return StatusActive
	}
}

// Probe tests endpoint with a canned reading. Detector state is not touched.
func (d *Detector) Probe(ctx context.Context, endpoint string) (bool, time.Duration, error) {
	if err := ValidateEndpoint(endpoint); err != nil {
		return false, 0, err
	}
	p, ok := d.classifier.(Prober)
	if !ok {
		return false, 0, ErrProbeUnsupported
	}
	return p.Probe(ctx, endpoint)
}

// ValidateEndpoint checks endpoint is an absolute http or https URL
func ValidateEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidEndpoint, endpoint)
	}
	return nil
}
