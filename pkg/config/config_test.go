package config

import (
	"flag"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/peerdial/peerdial/pkg/config/configtest"
	"github.com/peerdial/peerdial/pkg/sdp"
)

func TestConfigDefaultsKept(t *testing.T) {
	conf, err := NewConfig("room:\n  max_room_name_length: 10\n", true, nil, nil)
	require.NoError(t, err)

	require.Equal(t, 10, conf.Room.MaxRoomNameLength)
	require.Equal(t, DefaultConfig.Room.ConnectTimeout, conf.Room.ConnectTimeout)
	require.Equal(t, DefaultConfig.Port, conf.Port)
	require.Len(t, conf.ICE.Servers, 1)
}

func TestConfigUnknownKeys(t *testing.T) {
	body := "unknown: true\nport: 9000\n"

	_, err := NewConfig(body, true, nil, nil)
	require.Error(t, err)

	conf, err := NewConfig(body, false, nil, nil)
	require.NoError(t, err)
	require.Equal(t, uint32(9000), conf.Port)
}

func TestGeneratedFlags(t *testing.T) {
	generatedFlags, err := GenerateCLIFlags(nil, true)
	require.NoError(t, err)

	app := cli.NewApp()
	app.Name = "test"
	app.Flags = generatedFlags

	set := flag.NewFlagSet("test", 0)
	for _, f := range generatedFlags {
		require.NoError(t, f.Apply(set))
	}
	require.NoError(t, set.Set("call.video", "true"))
	require.NoError(t, set.Set("call.video_codec", "VP9"))
	require.NoError(t, set.Set("room.max_room_name_length", "32"))
	require.NoError(t, set.Set("turn.udp_port", "3479"))

	c := cli.NewContext(app, set, nil)
	conf, err := NewConfig("", true, c, nil)
	require.NoError(t, err)

	require.True(t, conf.Call.Video)
	require.Equal(t, "VP9", conf.Call.VideoCodec)
	require.Equal(t, 32, conf.Room.MaxRoomNameLength)
	require.Equal(t, 3479, conf.TURN.UDPPort)

	// unset flags must not clobber defaults
	require.Equal(t, DefaultConfig.Room.PingInterval, conf.Room.PingInterval)
}

func TestConfigCodecValidation(t *testing.T) {
	_, err := NewConfig("call:\n  video_codec: AV1\n", true, nil, nil)
	require.Error(t, err)

	_, err = NewConfig("call:\n  audio_codec: G729\n", true, nil, nil)
	require.Error(t, err)

	conf, err := NewConfig("call:\n  video_codec: H264\n  audio_codec: ISAC\n", true, nil, nil)
	require.NoError(t, err)
	require.Equal(t, sdp.VideoCodecH264, conf.Call.VideoCodec)
	require.Equal(t, sdp.AudioCodecISAC, conf.Call.AudioCodec)
}

func TestRelayPortRangeDefaults(t *testing.T) {
	conf, err := NewConfig("development: true\n", true, nil, nil)
	require.NoError(t, err)
	require.Equal(t, uint16(30000), conf.TURN.RelayPortRangeStart)
	require.Equal(t, uint16(30002), conf.TURN.RelayPortRangeEnd)
	require.Equal(t, "debug", conf.Logging.Level)

	conf, err = NewConfig("", true, nil, nil)
	require.NoError(t, err)
	require.Equal(t, uint16(40000), conf.TURN.RelayPortRangeEnd)

	_, err = NewConfig("turn:\n  enabled: true\n  relay_range_start: 31000\n  relay_range_end: 30500\n", true, nil, nil)
	require.ErrorIs(t, err, ErrRelayPortRangeInvalid)
}

func TestYAMLTags(t *testing.T) {
	require.NoError(t, configtest.CheckYAMLTags(Config{}))
}
