package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the API process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App        AppConfig
	DB         DBConfig
	Redis      RedisConfig
	Auth       AuthConfig
	Twilio     TwilioConfig
	Responder  ResponderConfig
	STT        STTConfig
	TTS        TTSConfig
	Resilience ResilienceConfig
	Voice      VoiceConfig
	Screening  ScreeningConfig
}

type AppConfig struct {
	Env  string
	Port int

	// PublicBaseURL is the externally reachable https origin Twilio calls back on.
	// The media stream URL is derived from it (https -> wss).
	PublicBaseURL string
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
}

// ResponderConfig selects and configures the reply/summary model backend.
type ResponderConfig struct {
	// Provider is "openai" or "gemini".
	Provider string

	OpenAIAPIKey  string
	OpenAIModel   string
	OpenAIBaseURL string

	GeminiAPIKey string
	GeminiModel  string
}

type STTConfig struct {
	DeepgramAPIKey string
	DeepgramModel  string
	Language       string
}

type TTSConfig struct {
	ElevenLabsAPIKey string
	VoiceID          string
	Model            string
}

// ResilienceConfig feeds retry, circuit breaker and per-dependency timeouts.
type ResilienceConfig struct {
	// MaxRetries of 0 disables retries when set explicitly; unset means the default.
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	RateLimitMinDelay time.Duration
	FailureThreshold  int
	Cooldown          time.Duration
	TimeoutAI         time.Duration
	TimeoutTTS        time.Duration
	TimeoutSTT        time.Duration
	TimeoutStore      time.Duration
	PersistMaxRetries int

	maxRetriesSet       bool
	failureThresholdSet bool
}

// VoiceConfig carries word/length budgets and telephony audio defaults.
type VoiceConfig struct {
	MaxWords      int
	MaxTTSChars   int
	AudioEncoding string
	SampleRate    int
}

type ScreeningConfig struct {
	OwnerMaxConcurrentCalls int
	// OwnerCallsPerMinute throttles the voice webhook per owner; 0 disables it.
	OwnerCallsPerMinute int
	BusyMessage         string
	// OwnerNumbers maps a dialed E.164 number to an owner id.
	OwnerNumbers   map[string]string
	StaticGreeting string
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	c.App.Port, parseErrs = collectInt(parseErrs, "APP_PORT")
	c.App.PublicBaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("PUBLIC_BASE_URL")), "/")

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	c.DB.Port, parseErrs = collectInt(parseErrs, "DB_PORT")
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	c.Redis.Port, parseErrs = collectInt(parseErrs, "REDIS_PORT")
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in Validate().
	c.Auth.AccessTokenTTL = mustDuration("JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL = mustDuration("JWT_REFRESH_TTL")

	c.Twilio.AccountSID = strings.TrimSpace(os.Getenv("TWILIO_ACCOUNT_SID"))
	c.Twilio.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")

	c.Responder.Provider = strings.ToLower(strings.TrimSpace(os.Getenv("RESPONDER_PROVIDER")))
	c.Responder.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	c.Responder.OpenAIModel = strings.TrimSpace(os.Getenv("OPENAI_MODEL"))
	c.Responder.OpenAIBaseURL = strings.TrimSpace(os.Getenv("OPENAI_BASE_URL"))
	c.Responder.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")
	c.Responder.GeminiModel = strings.TrimSpace(os.Getenv("GEMINI_MODEL"))

	c.STT.DeepgramAPIKey = os.Getenv("DEEPGRAM_API_KEY")
	c.STT.DeepgramModel = strings.TrimSpace(os.Getenv("DEEPGRAM_MODEL"))
	c.STT.Language = strings.TrimSpace(os.Getenv("STT_LANGUAGE"))

	c.TTS.ElevenLabsAPIKey = os.Getenv("ELEVENLABS_API_KEY")
	c.TTS.VoiceID = strings.TrimSpace(os.Getenv("ELEVENLABS_VOICE_ID"))
	c.TTS.Model = strings.TrimSpace(os.Getenv("ELEVENLABS_MODEL"))

	c.Resilience.MaxRetries, c.Resilience.maxRetriesSet, parseErrs = collectSetInt(parseErrs, "RETRY_MAX")
	c.Resilience.BaseDelay = mustDuration("RETRY_BASE_DELAY")
	c.Resilience.MaxDelay = mustDuration("RETRY_MAX_DELAY")
	c.Resilience.RateLimitMinDelay = mustDuration("RATE_LIMIT_MIN_DELAY")
	c.Resilience.FailureThreshold, c.Resilience.failureThresholdSet, parseErrs = collectSetInt(parseErrs, "CIRCUIT_FAILURE_THRESHOLD")
	c.Resilience.Cooldown = mustDuration("CIRCUIT_COOLDOWN")
	c.Resilience.TimeoutAI = mustDuration("TIMEOUT_AI")
	c.Resilience.TimeoutTTS = mustDuration("TIMEOUT_TTS")
	c.Resilience.TimeoutSTT = mustDuration("TIMEOUT_STT")
	c.Resilience.TimeoutStore = mustDuration("TIMEOUT_STORE")
	c.Resilience.PersistMaxRetries, parseErrs = collectOptionalInt(parseErrs, "PERSIST_MAX_RETRIES")

	c.Voice.MaxWords, parseErrs = collectOptionalInt(parseErrs, "VOICE_MAX_WORDS")
	c.Voice.MaxTTSChars, parseErrs = collectOptionalInt(parseErrs, "TTS_MAX_CHARS")
	c.Voice.AudioEncoding = strings.TrimSpace(os.Getenv("AUDIO_ENCODING"))
	c.Voice.SampleRate, parseErrs = collectOptionalInt(parseErrs, "AUDIO_SAMPLE_RATE")

	c.Screening.OwnerMaxConcurrentCalls, parseErrs = collectOptionalInt(parseErrs, "OWNER_MAX_CONCURRENT_CALLS")
	c.Screening.OwnerCallsPerMinute, parseErrs = collectOptionalInt(parseErrs, "OWNER_CALLS_PER_MINUTE")
	c.Screening.StaticGreeting = strings.TrimSpace(os.Getenv("STATIC_GREETING"))
	c.Screening.BusyMessage = strings.TrimSpace(os.Getenv("BUSY_MESSAGE"))
	if owners, err := parseOwnerNumbers(os.Getenv("SCREENING_OWNER_NUMBERS")); err != nil {
		parseErrs = append(parseErrs, err)
	} else {
		c.Screening.OwnerNumbers = owners
	}

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks required values and fills defaults for optional ones.
// It has a pointer receiver because defaults are written back.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}
	if c.App.PublicBaseURL == "" {
		errs = append(errs, errors.New("PUBLIC_BASE_URL is required"))
	} else if !strings.HasPrefix(c.App.PublicBaseURL, "https://") && !strings.HasPrefix(c.App.PublicBaseURL, "http://") {
		errs = append(errs, fmt.Errorf("PUBLIC_BASE_URL must be an http(s) origin, got %q", c.App.PublicBaseURL))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
		if c.Twilio.AuthToken == "" {
			errs = append(errs, errors.New("TWILIO_AUTH_TOKEN is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if c.Responder.Provider == "" {
		c.Responder.Provider = "openai"
	}
	switch c.Responder.Provider {
	case "openai":
		if c.Responder.OpenAIAPIKey == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY is required when RESPONDER_PROVIDER=openai"))
		}
		if c.Responder.OpenAIModel == "" {
			c.Responder.OpenAIModel = "gpt-4o-mini"
		}
	case "gemini":
		if c.Responder.GeminiAPIKey == "" {
			errs = append(errs, errors.New("GEMINI_API_KEY is required when RESPONDER_PROVIDER=gemini"))
		}
		if c.Responder.GeminiModel == "" {
			c.Responder.GeminiModel = "gemini-2.0-flash"
		}
	default:
		errs = append(errs, fmt.Errorf("RESPONDER_PROVIDER must be one of openai, gemini, got %q", c.Responder.Provider))
	}

	if c.STT.DeepgramAPIKey == "" {
		errs = append(errs, errors.New("DEEPGRAM_API_KEY is required"))
	}
	if c.STT.DeepgramModel == "" {
		c.STT.DeepgramModel = "nova-2-phonecall"
	}
	if c.STT.Language == "" {
		c.STT.Language = "en-US"
	}

	if c.TTS.ElevenLabsAPIKey == "" {
		errs = append(errs, errors.New("ELEVENLABS_API_KEY is required"))
	}
	if c.TTS.VoiceID == "" {
		errs = append(errs, errors.New("ELEVENLABS_VOICE_ID is required"))
	}
	if c.TTS.Model == "" {
		c.TTS.Model = "eleven_turbo_v2_5"
	}

	errs = append(errs, c.Resilience.applyDefaults()...)
	errs = append(errs, c.Voice.applyDefaults()...)

	if c.Screening.OwnerMaxConcurrentCalls < 0 {
		errs = append(errs, fmt.Errorf("OWNER_MAX_CONCURRENT_CALLS must be >= 0, got %d", c.Screening.OwnerMaxConcurrentCalls))
	}
	if c.Screening.OwnerCallsPerMinute < 0 {
		errs = append(errs, fmt.Errorf("OWNER_CALLS_PER_MINUTE must be >= 0, got %d", c.Screening.OwnerCallsPerMinute))
	}
	if c.Screening.BusyMessage == "" {
		c.Screening.BusyMessage = "Sorry, the person you're calling is on other calls. Please try again later."
	}
	if c.Screening.StaticGreeting == "" {
		c.Screening.StaticGreeting = "Hi, you've reached an automated call assistant. The person you're calling isn't available. May I ask who's calling and what it's about?"
	}

	return joinErrors(errs)
}

func (r *ResilienceConfig) applyDefaults() []error {
	var errs []error
	if r.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("RETRY_MAX must be >= 0, got %d", r.MaxRetries))
	}
	if r.MaxRetries == 0 && !r.maxRetriesSet {
		r.MaxRetries = 3
	}
	if r.BaseDelay <= 0 {
		r.BaseDelay = 100 * time.Millisecond
	}
	if r.MaxDelay <= 0 {
		r.MaxDelay = 2 * time.Second
	}
	if r.MaxDelay < r.BaseDelay {
		errs = append(errs, errors.New("RETRY_MAX_DELAY must be >= RETRY_BASE_DELAY"))
	}
	if r.RateLimitMinDelay <= 0 {
		r.RateLimitMinDelay = time.Second
	}
	switch {
	case r.FailureThreshold < 0, r.FailureThreshold == 0 && r.failureThresholdSet:
		errs = append(errs, fmt.Errorf("CIRCUIT_FAILURE_THRESHOLD must be >= 1, got %d", r.FailureThreshold))
	case r.FailureThreshold == 0:
		r.FailureThreshold = 5
	}
	if r.Cooldown <= 0 {
		r.Cooldown = 30 * time.Second
	}
	if r.TimeoutAI <= 0 {
		r.TimeoutAI = 8 * time.Second
	}
	if r.TimeoutTTS <= 0 {
		r.TimeoutTTS = 6 * time.Second
	}
	if r.TimeoutSTT <= 0 {
		r.TimeoutSTT = 5 * time.Second
	}
	if r.TimeoutStore <= 0 {
		r.TimeoutStore = 5 * time.Second
	}
	if r.PersistMaxRetries <= 0 {
		r.PersistMaxRetries = 2
	}
	return errs
}

func (v *VoiceConfig) applyDefaults() []error {
	var errs []error
	if v.MaxWords < 0 || v.MaxTTSChars < 0 || v.SampleRate < 0 {
		errs = append(errs, errors.New("VOICE_MAX_WORDS, TTS_MAX_CHARS and AUDIO_SAMPLE_RATE must be >= 0"))
	}
	if v.MaxWords == 0 {
		v.MaxWords = 60
	}
	if v.MaxTTSChars == 0 {
		v.MaxTTSChars = 600
	}
	if v.AudioEncoding == "" {
		v.AudioEncoding = "audio/x-mulaw"
	}
	if v.SampleRate == 0 {
		v.SampleRate = 8000
	}
	return errs
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

// MediaStreamURL is the websocket URL advertised to Twilio in TwiML.
func (c Config) MediaStreamURL() string {
	base := c.App.PublicBaseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/media-stream"
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func collectInt(errs []error, key string) (int, []error) {
	n, err := mustInt(key)
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func collectOptionalInt(errs []error, key string) (int, []error) {
	if strings.TrimSpace(os.Getenv(key)) == "" {
		return 0, errs
	}
	return collectInt(errs, key)
}

// collectSetInt is collectOptionalInt that also reports whether key was present.
func collectSetInt(errs []error, key string) (int, bool, []error) {
	if strings.TrimSpace(os.Getenv(key)) == "" {
		return 0, false, errs
	}
	n, errs := collectInt(errs, key)
	return n, true, errs
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func mustDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

// parseOwnerNumbers reads "+15550001111=owner-a,+15550002222=owner-b".
func parseOwnerNumbers(raw string) (map[string]string, error) {
	out := map[string]string{}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return out, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		number, owner, ok := strings.Cut(pair, "=")
		number, owner = strings.TrimSpace(number), strings.TrimSpace(owner)
		if !ok || number == "" || owner == "" {
			return nil, fmt.Errorf("SCREENING_OWNER_NUMBERS entry %q must be number=owner", pair)
		}
		out[number] = owner
	}
	return out, nil
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
