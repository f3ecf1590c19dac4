package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/thoas/go-funk"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/peerdial/peerdial/pkg/engine"
	"github.com/peerdial/peerdial/pkg/logger"
	"github.com/peerdial/peerdial/pkg/sdp"
)

const generatedCLIFlagUsage = "generated"

var (
	ErrRelayPortRangeInvalid = errors.New("turn relay port range end must not precede its start")

	DefaultStunServers = []string{
		"stun.l.google.com:19302",
		"stun1.l.google.com:19302",
	}

	supportedVideoCodecs = []string{sdp.VideoCodecVP8, sdp.VideoCodecVP9, sdp.VideoCodecH264}
	supportedAudioCodecs = []string{sdp.AudioCodecOpus, sdp.AudioCodecISAC}
)

type Config struct {
	// Port serves the room relay and its signaling websocket.
	Port           uint32   `yaml:"port,omitempty"`
	BindAddresses  []string `yaml:"bind_addresses,omitempty"`
	PrometheusPort uint32   `yaml:"prometheus_port,omitempty"`

	Room  RoomConfig  `yaml:"room,omitempty"`
	Call  CallConfig  `yaml:"call,omitempty"`
	Media MediaConfig `yaml:"media,omitempty"`
	ICE   ICEConfig   `yaml:"ice,omitempty"`
	TURN  TURNConfig  `yaml:"turn,omitempty"`

	// Profiles adds device profile rules on top of the built-in set.
	Profiles               []ProfileRule `yaml:"profiles,omitempty"`
	DisableBuiltinProfiles bool          `yaml:"disable_builtin_profiles,omitempty"`

	Logging logger.Config `yaml:"logging,omitempty"`

	Development bool `yaml:"development,omitempty"`
}

type RoomConfig struct {
	ServerURL         string        `yaml:"server_url,omitempty"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout,omitempty"`
	PingInterval      time.Duration `yaml:"ping_interval,omitempty"`
	MaxRoomNameLength int           `yaml:"max_room_name_length,omitempty"`
	// MinClientVersion rejects joins from older clients at the relay.
	MinClientVersion string `yaml:"min_client_version,omitempty"`
}

// CallConfig carries the per-call negotiation knobs. The zero value gives
// an audio-only opus call.
type CallConfig struct {
	Video    bool `yaml:"video,omitempty"`
	Loopback bool `yaml:"loopback,omitempty"`

	VideoWidth      int    `yaml:"video_width,omitempty"`
	VideoHeight     int    `yaml:"video_height,omitempty"`
	VideoFps        int    `yaml:"video_fps,omitempty"`
	VideoMaxBitrate int    `yaml:"video_max_bitrate,omitempty"`
	VideoCodec      string `yaml:"video_codec,omitempty"`

	AudioStartBitrate int    `yaml:"audio_start_bitrate,omitempty"`
	AudioCodec        string `yaml:"audio_codec,omitempty"`
	NoAudioProcessing bool   `yaml:"no_audio_processing,omitempty"`
	LevelControl      bool   `yaml:"level_control,omitempty"`

	// TranscriptPath records a negotiation transcript when set.
	TranscriptPath     string        `yaml:"transcript,omitempty"`
	StatsInterval      time.Duration `yaml:"stats_interval,omitempty"`
	DisconnectDebounce time.Duration `yaml:"disconnect_debounce,omitempty"`
}

// MediaConfig names the sample files replayed as local tracks.
type MediaConfig struct {
	AudioFile string `yaml:"audio_file,omitempty"`
	VideoFile string `yaml:"video_file,omitempty"`
}

type ICEConfig struct {
	Servers []engine.ICEServer `yaml:"servers,omitempty"`

	// STUNServers are used for external IP discovery only. Candidate
	// gathering uses Servers.
	STUNServers   []string `yaml:"stun_servers,omitempty"`
	UseExternalIP bool     `yaml:"use_external_ip,omitempty"`
}

type TURNConfig struct {
	Enabled             bool   `yaml:"enabled,omitempty"`
	Domain              string `yaml:"domain,omitempty"`
	CertFile            string `yaml:"cert_file,omitempty"`
	KeyFile             string `yaml:"key_file,omitempty"`
	TLSPort             int    `yaml:"tls_port,omitempty"`
	UDPPort             int    `yaml:"udp_port,omitempty"`
	RelayPortRangeStart uint16 `yaml:"relay_range_start,omitempty"`
	RelayPortRangeEnd   uint16 `yaml:"relay_range_end,omitempty"`
	Username            string `yaml:"username,omitempty"`
	Password            string `yaml:"password,omitempty"`
}

// ProfileRule pairs a device match expression with a JSON-encoded set of
// media overrides applied when it matches.
type ProfileRule struct {
	Match     string `yaml:"match,omitempty"`
	Overrides string `yaml:"overrides,omitempty"`
	Merge     bool   `yaml:"merge,omitempty"`
}

var DefaultConfig = Config{
	Port: 8089,
	Room: RoomConfig{
		ServerURL:         "http://localhost:8089",
		ConnectTimeout:    10 * time.Second,
		PingInterval:      15 * time.Second,
		MaxRoomNameLength: 64,
	},
	Call: CallConfig{
		StatsInterval: time.Second,
	},
	ICE: ICEConfig{
		Servers: []engine.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	},
	TURN: TURNConfig{
		Domain:  "localhost",
		UDPPort: 3478,
	},
	Logging: logger.Config{
		PionLevel: "error",
	},
}

func NewConfig(confString string, strictMode bool, c *cli.Context, baseFlags []cli.Flag) (*Config, error) {
	// start with defaults
	marshalled, err := yaml.Marshal(&DefaultConfig)
	if err != nil {
		return nil, err
	}

	var conf Config
	if err = yaml.Unmarshal(marshalled, &conf); err != nil {
		return nil, err
	}

	if confString != "" {
		decoder := yaml.NewDecoder(strings.NewReader(confString))
		decoder.KnownFields(strictMode)
		if err := decoder.Decode(&conf); err != nil {
			return nil, fmt.Errorf("could not parse config: %v", err)
		}
	}

	if c != nil {
		if err := conf.updateFromCLI(c, baseFlags); err != nil {
			return nil, err
		}
	}

	// expand env vars and ~ in file paths
	for _, path := range []*string{
		&conf.Call.TranscriptPath,
		&conf.Media.AudioFile,
		&conf.Media.VideoFile,
		&conf.TURN.CertFile,
		&conf.TURN.KeyFile,
	} {
		expanded, err := homedir.Expand(os.ExpandEnv(*path))
		if err != nil {
			return nil, err
		}
		*path = expanded
	}

	// narrow relay range in dev so the ports are easy to forward by hand
	if conf.TURN.RelayPortRangeStart == 0 || conf.TURN.RelayPortRangeEnd == 0 {
		conf.TURN.RelayPortRangeStart = 30000
		if conf.Development {
			conf.TURN.RelayPortRangeEnd = 30002
		} else {
			conf.TURN.RelayPortRangeEnd = 40000
		}
	}

	if conf.Logging.Level == "" && conf.Development {
		conf.Logging.Level = "debug"
	}

	if err := conf.Validate(); err != nil {
		return nil, err
	}

	return &conf, nil
}

func (conf *Config) Validate() error {
	if conf.Call.VideoCodec != "" && !funk.ContainsString(supportedVideoCodecs, conf.Call.VideoCodec) {
		return errors.Errorf("unsupported video codec: %s (supported: %s)",
			conf.Call.VideoCodec, strings.Join(supportedVideoCodecs, ", "))
	}
	if conf.Call.AudioCodec != "" && !funk.ContainsString(supportedAudioCodecs, conf.Call.AudioCodec) {
		return errors.Errorf("unsupported audio codec: %s (supported: %s)",
			conf.Call.AudioCodec, strings.Join(supportedAudioCodecs, ", "))
	}
	if conf.Call.VideoWidth < 0 || conf.Call.VideoHeight < 0 || conf.Call.VideoFps < 0 {
		return errors.New("video capture format must not be negative")
	}
	if conf.Call.VideoMaxBitrate < 0 || conf.Call.AudioStartBitrate < 0 {
		return errors.New("bitrates must not be negative")
	}
	if conf.Room.MaxRoomNameLength <= 0 {
		return errors.New("max_room_name_length must be positive")
	}
	if conf.TURN.Enabled && conf.TURN.RelayPortRangeEnd < conf.TURN.RelayPortRangeStart {
		return ErrRelayPortRangeInvalid
	}
	return nil
}

type configNode struct {
	TypeNode  reflect.Value
	TagPrefix string
}

// ToCLIFlagNames walks the config by yaml tag and maps dotted flag names
// onto the struct fields they set.
func (conf *Config) ToCLIFlagNames(existingFlags []cli.Flag) map[string]reflect.Value {
	existingFlagNames := map[string]bool{}
	for _, flag := range existingFlags {
		for _, flagName := range flag.Names() {
			existingFlagNames[flagName] = true
		}
	}

	flagNames := map[string]reflect.Value{}
	var currNode configNode
	nodes := []configNode{{reflect.ValueOf(conf).Elem(), ""}}
	for len(nodes) > 0 {
		currNode, nodes = nodes[0], nodes[1:]
		for i := 0; i < currNode.TypeNode.NumField(); i++ {
			field := currNode.TypeNode.Type().Field(i)
			yamlTagArray := strings.SplitN(field.Tag.Get("yaml"), ",", 2)
			yamlTag := yamlTagArray[0]
			isInline := len(yamlTagArray) > 1 && strings.Contains(yamlTagArray[1], "inline")
			if (yamlTag == "" && !isInline) || yamlTag == "-" {
				continue
			}

			yamlPath := yamlTag
			if currNode.TagPrefix != "" {
				if isInline {
					yamlPath = currNode.TagPrefix
				} else {
					yamlPath = fmt.Sprintf("%s.%s", currNode.TagPrefix, yamlTag)
				}
			}
			if existingFlagNames[yamlPath] {
				continue
			}

			value := currNode.TypeNode.Field(i)
			if value.Kind() == reflect.Struct {
				nodes = append(nodes, configNode{value, yamlPath})
			} else {
				flagNames[yamlPath] = value
			}
		}
	}

	return flagNames
}

// GenerateCLIFlags derives a flag per scalar config field so every yaml
// knob can also be set from the command line or environment.
func GenerateCLIFlags(existingFlags []cli.Flag, hidden bool) ([]cli.Flag, error) {
	blankConfig := &Config{}
	flags := make([]cli.Flag, 0)
	for name, value := range blankConfig.ToCLIFlagNames(existingFlags) {
		kind := value.Kind()
		if kind == reflect.Ptr {
			kind = value.Type().Elem().Kind()
		}

		var flag cli.Flag
		envVar := fmt.Sprintf("PEERDIAL_%s", strings.ToUpper(strings.Replace(name, ".", "_", -1)))

		switch kind {
		case reflect.Bool:
			flag = &cli.BoolFlag{
				Name:   name,
				Usage:  generatedCLIFlagUsage,
				Hidden: hidden,
			}
		case reflect.String:
			flag = &cli.StringFlag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Int, reflect.Int32:
			flag = &cli.IntFlag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Int64:
			flag = &cli.Int64Flag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Uint8, reflect.Uint16, reflect.Uint32:
			flag = &cli.UintFlag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Uint64:
			flag = &cli.Uint64Flag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Float32, reflect.Float64:
			flag = &cli.Float64Flag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Slice, reflect.Map:
			// covered by the config file
			continue
		default:
			return flags, fmt.Errorf("cli flag generation unsupported for config type: %s is a %s", name, kind.String())
		}

		flags = append(flags, flag)
	}

	return flags, nil
}

func (conf *Config) updateFromCLI(c *cli.Context, baseFlags []cli.Flag) error {
	generatedFlagNames := conf.ToCLIFlagNames(baseFlags)
	for _, flag := range c.App.Flags {
		flagName := flag.Names()[0]
		if !c.IsSet(flagName) {
			continue
		}

		configValue, ok := generatedFlagNames[flagName]
		if !ok {
			continue
		}

		kind := configValue.Kind()
		if kind == reflect.Ptr {
			configValue.Set(reflect.New(configValue.Type().Elem()))

			kind = configValue.Type().Elem().Kind()
			configValue = configValue.Elem()
		}

		switch kind {
		case reflect.Bool:
			configValue.SetBool(c.Bool(flagName))
		case reflect.String:
			configValue.SetString(c.String(flagName))
		case reflect.Int, reflect.Int32, reflect.Int64:
			configValue.SetInt(c.Int64(flagName))
		case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			configValue.SetUint(c.Uint64(flagName))
		case reflect.Float32, reflect.Float64:
			configValue.SetFloat(c.Float64(flagName))
		default:
			return fmt.Errorf("unsupported generated cli flag type for config: %s is a %s", flagName, kind.String())
		}
	}

	// named flags that do not follow the yaml paths
	if c.IsSet("dev") {
		conf.Development = c.Bool("dev")
	}
	if c.IsSet("url") {
		conf.Room.ServerURL = c.String("url")
	}
	if c.IsSet("video") {
		conf.Call.Video = c.Bool("video")
	}
	if c.IsSet("loopback") {
		conf.Call.Loopback = c.Bool("loopback")
	}
	if c.IsSet("audio-file") {
		conf.Media.AudioFile = c.String("audio-file")
	}
	if c.IsSet("video-file") {
		conf.Media.VideoFile = c.String("video-file")
	}
	if c.IsSet("transcript") {
		conf.Call.TranscriptPath = c.String("transcript")
	}
	if c.IsSet("turn-cert") {
		conf.TURN.CertFile = c.String("turn-cert")
	}
	if c.IsSet("turn-key") {
		conf.TURN.KeyFile = c.String("turn-key")
	}
	if c.IsSet("bind") {
		conf.BindAddresses = c.StringSlice("bind")
	}
	return nil
}
