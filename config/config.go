package config

import (
	"time"

	"github.com/JeremyLoy/config"
	"github.com/rotisserie/eris"

	"github.com/automoto/netsync/shared/sim"
)

// ServerConfig contains server process settings
type ServerConfig struct {
	Port        int    `config:"NETSYNC_PORT"`
	Name        string `config:"NETSYNC_SERVER_NAME"`
	TickRate    int    `config:"NETSYNC_TICK_RATE"`
	MaxPlayers  int    `config:"NETSYNC_MAX_PLAYERS"`
	InputWindow uint64 `config:"NETSYNC_INPUT_WINDOW"`
	// MetricsPath serves prometheus metrics when not empty.
	MetricsPath string `config:"NETSYNC_METRICS_PATH"`

	// Lobby registration, disabled when MasterURL is empty.
	MasterURL         string `config:"NETSYNC_MASTER_URL"`
	PublicAddress     string `config:"NETSYNC_PUBLIC_ADDRESS"`
	Region            string `config:"NETSYNC_REGION"`
	HeartbeatSeconds  int    `config:"NETSYNC_HEARTBEAT_SECONDS"`
	ShutdownTimeoutMs int    `config:"NETSYNC_SHUTDOWN_TIMEOUT_MS"`
}

// WorldConfig contains the demo world settings
type WorldConfig struct {
	Width         float64 `config:"NETSYNC_WORLD_WIDTH"`
	Height        float64 `config:"NETSYNC_WORLD_HEIGHT"`
	CellSize      int     `config:"NETSYNC_CELL_SIZE"`
	NPCs          int     `config:"NETSYNC_NPCS"`
	NPCLifetime   uint64  `config:"NETSYNC_NPC_LIFETIME"`
	ContactRadius float64 `config:"NETSYNC_CONTACT_RADIUS"`
	MaxHealth     int     `config:"NETSYNC_MAX_HEALTH"`
	RegenEvery    uint64  `config:"NETSYNC_REGEN_EVERY"`
	Seed          int64   `config:"NETSYNC_SEED"`
}

// ReplicationConfig contains snapshot and interest settings
type ReplicationConfig struct {
	Budget           int     `config:"NETSYNC_SNAPSHOT_BUDGET"`
	Compress         bool    `config:"NETSYNC_COMPRESS"`
	MinCompressSize  int     `config:"NETSYNC_MIN_COMPRESS_SIZE"`
	FullSyncInterval uint64  `config:"NETSYNC_FULL_SYNC_INTERVAL"`
	LossAfter        uint64  `config:"NETSYNC_LOSS_AFTER"`
	AckWindow        uint64  `config:"NETSYNC_ACK_WINDOW"`
	TickBudgetMs     int     `config:"NETSYNC_TICK_BUDGET_MS"`
	InterestRadius   float64 `config:"NETSYNC_INTEREST_RADIUS"`
	BoostTicks       uint64  `config:"NETSYNC_BOOST_TICKS"`
	InterestInterval uint64  `config:"NETSYNC_INTEREST_INTERVAL"`
}

// ClientConfig contains headless client settings
type ClientConfig struct {
	ServerURL      string `config:"NETSYNC_SERVER_URL"`
	// LobbyURL, when set, picks the server from the lobby instead.
	LobbyURL       string `config:"NETSYNC_LOBBY_URL"`
	PlayerName     string `config:"NETSYNC_PLAYER_NAME"`
	InputLead      uint64 `config:"NETSYNC_INPUT_LEAD"`
	MaxTickDrift   uint64 `config:"NETSYNC_MAX_TICK_DRIFT"`
	InputCapacity  int    `config:"NETSYNC_INPUT_CAPACITY"`
	MaxBatchInputs int    `config:"NETSYNC_MAX_BATCH_INPUTS"`
	// CorrectionFrames is how long a visual correction is eased over.
	CorrectionFrames int `config:"NETSYNC_CORRECTION_FRAMES"`
	// FrameRate is how often the display world is stepped.
	FrameRate int `config:"NETSYNC_FRAME_RATE"`
	// BotDifficulty selects the input bot: easy, normal or hard.
	BotDifficulty string `config:"NETSYNC_BOT_DIFFICULTY"`
	StatsSeconds  int    `config:"NETSYNC_STATS_SECONDS"`
}

// PhysicsConfig contains the movement constants shared by server and client
type PhysicsConfig struct {
	SubSteps     int     `config:"NETSYNC_SUB_STEPS"`
	Acceleration float64 `config:"NETSYNC_ACCELERATION"`
	Friction     float64 `config:"NETSYNC_FRICTION"`
	MaxSpeed     float64 `config:"NETSYNC_MAX_SPEED"`
	Gravity      float64 `config:"NETSYNC_GRAVITY"`
	JumpSpeed    float64 `config:"NETSYNC_JUMP_SPEED"`
	MaxFallSpeed float64 `config:"NETSYNC_MAX_FALL_SPEED"`
	FloorY       float64 `config:"NETSYNC_FLOOR_Y"`
}

// LobbyConfig contains server directory settings
type LobbyConfig struct {
	Port       int `config:"NETSYNC_LOBBY_PORT"`
	TTLSeconds int `config:"NETSYNC_LOBBY_TTL_SECONDS"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `config:"NETSYNC_LOG_LEVEL"`
	Pretty bool   `config:"NETSYNC_LOG_PRETTY"`
}

// Global configuration instances
var Server ServerConfig
var World WorldConfig
var Replication ReplicationConfig
var Client ClientConfig
var Physics PhysicsConfig
var Lobby LobbyConfig
var Log LogConfig

func init() {
	Defaults()
}

// Defaults resets every global to its built-in value.
func Defaults() {
	Server = ServerConfig{
		Port:              7373,
		Name:              "netsync",
		TickRate:          30,
		MaxPlayers:        16,
		InputWindow:       32,
		HeartbeatSeconds:  30,
		ShutdownTimeoutMs: 2000,
	}

	World = WorldConfig{
		Width:         4096,
		Height:        1024,
		CellSize:      64,
		NPCs:          8,
		NPCLifetime:   600,
		ContactRadius: 24,
		MaxHealth:     100,
		RegenEvery:    15,
		Seed:          1,
	}

	Replication = ReplicationConfig{
		Budget:           1200,
		Compress:         true,
		MinCompressSize:  128,
		FullSyncInterval: 90,
		LossAfter:        4,
		AckWindow:        32,
		TickBudgetMs:     5,
		InterestRadius:   800,
		BoostTicks:       30,
		InterestInterval: 3,
	}

	Client = ClientConfig{
		ServerURL:        "ws://localhost:7373/ws",
		PlayerName:       "player",
		InputLead:        2,
		MaxTickDrift:     10,
		InputCapacity:    30,
		MaxBatchInputs:   16,
		CorrectionFrames: 6,
		FrameRate:        60,
		BotDifficulty:    "normal",
		StatsSeconds:     5,
	}

	p := sim.DefaultParams()
	Physics = PhysicsConfig{
		SubSteps:     p.SubSteps,
		Acceleration: p.Acceleration,
		Friction:     p.Friction,
		MaxSpeed:     p.MaxSpeed,
		Gravity:      p.Gravity,
		JumpSpeed:    p.JumpSpeed,
		MaxFallSpeed: p.MaxFallSpeed,
		FloorY:       p.FloorY,
	}

	Lobby = LobbyConfig{
		Port:       8080,
		TTLSeconds: 90,
	}

	Log = LogConfig{
		Level:  "info",
		Pretty: true,
	}
}

// Load overlays the globals with values from the key=value file at path, if
// path is not empty, and then from the environment.
func Load(path string) error {
	targets := []any{&Server, &World, &Replication, &Client, &Physics, &Lobby, &Log}
	for _, t := range targets {
		b := config.FromEnv()
		if path != "" {
			b = config.From(path).FromEnv()
		}
		if err := b.To(t); err != nil {
			return eris.Wrapf(err, "failed to load %T", t)
		}
	}
	return nil
}

// Params returns the simulation parameters, spanning the configured world.
func (p PhysicsConfig) Params() sim.Params {
	return sim.Params{
		SubSteps:     p.SubSteps,
		Acceleration: p.Acceleration,
		Friction:     p.Friction,
		MaxSpeed:     p.MaxSpeed,
		Gravity:      p.Gravity,
		JumpSpeed:    p.JumpSpeed,
		MaxFallSpeed: p.MaxFallSpeed,
		FloorY:       p.FloorY,
		MinX:         0,
		MaxX:         World.Width,
	}
}

func (r ReplicationConfig) TickBudget() time.Duration {
	return time.Duration(r.TickBudgetMs) * time.Millisecond
}

func (s ServerConfig) HeartbeatInterval() time.Duration {
	return time.Duration(s.HeartbeatSeconds) * time.Second
}

func (s ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutMs) * time.Millisecond
}

func (c ClientConfig) StatsInterval() time.Duration {
	return time.Duration(c.StatsSeconds) * time.Second
}

func (l LobbyConfig) TTL() time.Duration {
	return time.Duration(l.TTLSeconds) * time.Second
}
