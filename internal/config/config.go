package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/ssbubble/rig-controller/internal/model"
)

// SerialConfig describes one Modbus RTU endpoint.
type SerialConfig struct {
	Port     string `yaml:"port"`
	BaudRate int    `yaml:"baud_rate"`
	SlaveID  byte   `yaml:"slave_id"`
}

// MotorRegisters is the motor controller register map. Treated as
// configuration because firmware revisions have moved these around.
type MotorRegisters struct {
	Command      uint16 `yaml:"command"`
	TargetHigh   uint16 `yaml:"target_high"`
	TargetLow    uint16 `yaml:"target_low"`
	PositionHigh uint16 `yaml:"position_high"`
	PositionLow  uint16 `yaml:"position_low"`
	VelocityHigh uint16 `yaml:"velocity_high"`
	VelocityLow  uint16 `yaml:"velocity_low"`
	Speed        uint16 `yaml:"speed"`
	Acceleration uint16 `yaml:"acceleration"`
}

// MotorCoils is the motor controller coil map.
type MotorCoils struct {
	Init         uint16 `yaml:"init"`
	CommandReady uint16 `yaml:"command_ready"`
	Calibrated   uint16 `yaml:"calibrated"`
}

// MotorConfig carries the rig-specific motor geometry and protocol layout.
type MotorConfig struct {
	Serial        SerialConfig   `yaml:"serial"`
	PositionMaxMM float64        `yaml:"position_max_mm"`
	StepsPerMM    float64        `yaml:"steps_per_mm"`
	SpeedMax      uint16         `yaml:"speed_max"`
	AccelMax      uint16         `yaml:"accel_max"`
	LimitsEnabled bool           `yaml:"limits_enabled"`
	Registers     MotorRegisters `yaml:"registers"`
	Coils         MotorCoils     `yaml:"coils"`
}

// PressureCalibration converts raw transducer counts to bar:
// bar = (raw - Offset) / Scale / Divisor. These are per-rig calibration
// values, not protocol constants.
type PressureCalibration struct {
	Offset  float64 `yaml:"offset"`
	Scale   float64 `yaml:"scale"`
	Divisor float64 `yaml:"divisor"`
}

// ValveConfig carries the valve board coil layout and reconciliation policy.
// Mode selects the operating mode the board is connected in: "manual",
// "sequence" or "ttl".
type ValveConfig struct {
	Serial              SerialConfig        `yaml:"serial"`
	Mode                string              `yaml:"mode"`
	TTLCoil             uint16              `yaml:"ttl_coil"`
	ResetCoil           uint16              `yaml:"reset_coil"`
	DepressurizeCoil    uint16              `yaml:"depressurize_coil"`
	ReconcileIntervalMS int                 `yaml:"reconcile_interval_ms"`
	HeldOpen            []int               `yaml:"held_open"` // 1-based valve numbers preserved by safe-state
	Pressure            PressureCalibration `yaml:"pressure"`
}

// OperatingMode resolves the configured valve board mode. Unknown strings
// have already been rejected by Validate; TTL is the fallback.
func (c ValveConfig) OperatingMode() model.DeviceMode {
	switch c.Mode {
	case "manual":
		return model.ModeManual
	case "sequence":
		return model.ModeSequence
	default:
		return model.ModeTTL
	}
}

// StepType maps a one-character step code to a named valve pattern. Valve
// numbers are 1-based; states are "open", "close" or "ignore".
type StepType struct {
	Type   string         `yaml:"type"`
	Valves map[int]string `yaml:"valves"`
}

// Macro is an operator preset valve pattern. States use the tri-state
// encoding 0=closed 1=open 2=unchanged; TimerS of 0 disables auto-revert.
type Macro struct {
	Label  string  `yaml:"label"`
	Valves []int   `yaml:"valves"`
	TimerS float64 `yaml:"timer_s"`
}

// SequenceConfig carries the host-facing file contract and engine cadence.
type SequenceConfig struct {
	Dir             string `yaml:"dir"`
	TickMS          int    `yaml:"tick_ms"`
	IdleStopMinutes int    `yaml:"idle_stop_minutes"`
}

// PollConfig tunes the device worker cadences.
type PollConfig struct {
	ActiveMS    int `yaml:"active_ms"`
	IdleMS      int `yaml:"idle_ms"`
	IdleAfterS  int `yaml:"idle_after_s"`
	PositionMS  int `yaml:"position_ms"`
	PressureMS  int `yaml:"pressure_ms"`
	CalCheckMS  int `yaml:"cal_check_ms"`
	CalAttempts int `yaml:"cal_attempts"`
}

// RetryConfig bounds the command channel retry policies.
type RetryConfig struct {
	ReadAttempts int `yaml:"read_attempts"`
	MoveAttempts int `yaml:"move_attempts"`
	StopAttempts int `yaml:"stop_attempts"`
}

// DatadogConfig enables the statsd emitter.
type DatadogConfig struct {
	Enabled   bool     `yaml:"enabled"`
	AgentAddr string   `yaml:"agent_addr"`
	Namespace string   `yaml:"namespace"`
	Tags      []string `yaml:"tags"`
}

type Config struct {
	ConfigFile string
	LogLevel   zerolog.Level
	LogFile    string `yaml:"log_file"`

	Motor     MotorConfig         `yaml:"motor"`
	Valves    ValveConfig         `yaml:"valves"`
	StepTypes map[string]StepType `yaml:"step_types"`
	Macros    map[string]Macro    `yaml:"macros"`
	Sequence  SequenceConfig      `yaml:"sequence"`
	Poll      PollConfig          `yaml:"poll"`
	Retry     RetryConfig         `yaml:"retry"`
	Recorder  struct {
		Path string `yaml:"path"`
	} `yaml:"recorder"`
	Datadog DatadogConfig `yaml:"datadog"`
}

// Load parses flags and the YAML config file. Bad config is fatal: the
// process must not come up half-configured against live hardware.
func Load() *Config {
	var cfg Config
	var logLevel string

	flag.StringVar(&cfg.ConfigFile, "config-file", "config.yaml", "Path to rig config file")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	cfg.LogLevel = parseLogLevel(logLevel)

	data, err := os.ReadFile(cfg.ConfigFile)
	if err != nil {
		panic("Failed to load config file: " + err.Error())
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		panic("Failed to parse config file: " + err.Error())
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		panic("Invalid config: " + err.Error())
	}
	return &cfg
}

func parseLogLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// ApplyDefaults fills in the reference-rig values for anything the file
// leaves at zero.
func (cfg *Config) ApplyDefaults() {
	if cfg.Motor.PositionMaxMM == 0 {
		cfg.Motor.PositionMaxMM = 364.40
	}
	if cfg.Motor.StepsPerMM == 0 {
		cfg.Motor.StepsPerMM = 6400
	}
	if cfg.Motor.SpeedMax == 0 {
		cfg.Motor.SpeedMax = 6500
	}
	if cfg.Motor.AccelMax == 0 {
		cfg.Motor.AccelMax = 23250
	}
	if cfg.Valves.Pressure.Offset == 0 {
		cfg.Valves.Pressure.Offset = 203.53
	}
	if cfg.Valves.Pressure.Scale == 0 {
		cfg.Valves.Pressure.Scale = 0.8248
	}
	if cfg.Valves.Pressure.Divisor == 0 {
		cfg.Valves.Pressure.Divisor = 100
	}
	if cfg.Valves.ReconcileIntervalMS == 0 {
		cfg.Valves.ReconcileIntervalMS = 1000
	}
	if cfg.Valves.Mode == "" {
		cfg.Valves.Mode = "ttl"
	}
	if cfg.Sequence.TickMS == 0 {
		cfg.Sequence.TickMS = 10
	}
	if cfg.Sequence.IdleStopMinutes == 0 {
		cfg.Sequence.IdleStopMinutes = 15
	}
	if cfg.Poll.ActiveMS == 0 {
		cfg.Poll.ActiveMS = 50
	}
	if cfg.Poll.IdleMS == 0 {
		cfg.Poll.IdleMS = 100
	}
	if cfg.Poll.IdleAfterS == 0 {
		cfg.Poll.IdleAfterS = 5
	}
	if cfg.Poll.PositionMS == 0 {
		cfg.Poll.PositionMS = 100
	}
	if cfg.Poll.PressureMS == 0 {
		cfg.Poll.PressureMS = 100
	}
	if cfg.Poll.CalCheckMS == 0 {
		cfg.Poll.CalCheckMS = 200
	}
	if cfg.Poll.CalAttempts == 0 {
		cfg.Poll.CalAttempts = 100
	}
	if cfg.Retry.ReadAttempts == 0 {
		cfg.Retry.ReadAttempts = 3
	}
	if cfg.Retry.MoveAttempts == 0 {
		cfg.Retry.MoveAttempts = 50
	}
	if cfg.Retry.StopAttempts == 0 {
		cfg.Retry.StopAttempts = 10
	}
}

// Validate rejects configs that would misdrive hardware.
func (cfg *Config) Validate() error {
	var problems []string

	if cfg.Motor.Serial.Port == "" {
		problems = append(problems, "motor.serial.port is required")
	}
	if cfg.Valves.Serial.Port == "" {
		problems = append(problems, "valves.serial.port is required")
	}
	if cfg.Motor.Serial.Port != "" && cfg.Motor.Serial.Port == cfg.Valves.Serial.Port {
		problems = append(problems, "motor and valve devices share a serial port")
	}
	if cfg.Motor.PositionMaxMM <= 0 {
		problems = append(problems, "motor.position_max_mm must be positive")
	}
	if cfg.Motor.StepsPerMM <= 0 {
		problems = append(problems, "motor.steps_per_mm must be positive")
	}
	switch cfg.Valves.Mode {
	case "manual", "sequence", "ttl":
	default:
		problems = append(problems, fmt.Sprintf("valves.mode: %q is not one of manual, sequence, ttl", cfg.Valves.Mode))
	}

	seen := map[string]string{}
	for name, st := range cfg.StepTypes {
		if len(st.Type) != 1 {
			problems = append(problems, fmt.Sprintf("step_types.%s: type must be one character, got %q", name, st.Type))
			continue
		}
		if other, dup := seen[st.Type]; dup {
			problems = append(problems, fmt.Sprintf("step_types.%s and step_types.%s both use code %q", name, other, st.Type))
		} else {
			seen[st.Type] = name
		}
		for valve, state := range st.Valves {
			if valve < 1 || valve > model.NumValves {
				problems = append(problems, fmt.Sprintf("step_types.%s: valve %d out of range", name, valve))
			}
			switch state {
			case "open", "close", "ignore":
			default:
				problems = append(problems, fmt.Sprintf("step_types.%s: invalid valve state %q", name, state))
			}
		}
	}

	for key, m := range cfg.Macros {
		if len(m.Valves) != model.NumValves {
			problems = append(problems, fmt.Sprintf("macros.%s: need exactly %d valve states", key, model.NumValves))
			continue
		}
		for i, s := range m.Valves {
			if s < 0 || s > 2 {
				problems = append(problems, fmt.Sprintf("macros.%s: valve %d has invalid state %d", key, i+1, s))
			}
		}
	}

	for _, v := range cfg.Valves.HeldOpen {
		if v < 1 || v > model.NumValves {
			problems = append(problems, fmt.Sprintf("valves.held_open: valve %d out of range", v))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return nil
}

// StepTypeNames returns the closed step-code set with display names, used to
// validate sequence descriptions at load time.
func (cfg *Config) StepTypeNames() map[byte]string {
	names := make(map[byte]string, len(cfg.StepTypes))
	for name, st := range cfg.StepTypes {
		if len(st.Type) == 1 {
			names[st.Type[0]] = name
		}
	}
	return names
}

// StepValvePattern returns the valve command vector for a step code: valves
// the pattern does not mention, and valves marked "ignore", come back as
// Unchanged. The second return is false when the rig has no mapping for the
// code.
func (cfg *Config) StepValvePattern(code byte) (model.ValveVector, bool) {
	for _, st := range cfg.StepTypes {
		if len(st.Type) == 1 && st.Type[0] == code {
			vec := model.AllUnchanged()
			for valve, state := range st.Valves {
				switch state {
				case "open":
					vec[valve-1] = model.ValveOpen
				case "close":
					vec[valve-1] = model.ValveClosed
				}
			}
			return vec, true
		}
	}
	return model.AllUnchanged(), false
}

// MacroVector converts a configured macro into its runtime form.
func (m Macro) MacroVector() model.ValveMacro {
	var vec model.ValveVector
	for i, s := range m.Valves {
		vec[i] = model.ValveState(s)
	}
	return model.ValveMacro{
		Label:  m.Label,
		States: vec,
		Revert: time.Duration(m.TimerS * float64(time.Second)),
	}
}

// SafeStateVector is the "close everything except held-open" pattern applied
// when a sequence completes. Held-open valves are left untouched rather than
// forced open.
func (cfg *Config) SafeStateVector() model.ValveVector {
	vec := model.AllClosed()
	for _, v := range cfg.Valves.HeldOpen {
		vec[v-1] = model.ValveUnchanged
	}
	return vec
}
