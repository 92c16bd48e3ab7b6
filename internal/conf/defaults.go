// conf/defaults.go default values for settings
package conf

import (
	"github.com/spf13/viper"
)

// Sets default values for the configuration.
func setDefaultConfig() {
	viper.SetDefault("debug", false)

	viper.SetDefault("main.name", "opustap")
	viper.SetDefault("main.log.enabled", true)
	viper.SetDefault("main.log.path", "opustap.log")
	viper.SetDefault("main.log.rotation", RotationDaily)
	viper.SetDefault("main.log.maxsize", 10*1024*1024)

	viper.SetDefault("audio.source", "")
	viper.SetDefault("audio.levelmeter", false)

	viper.SetDefault("audio.opus.application", "lowdelay")
	viper.SetDefault("audio.opus.bitrate", 96000)

	viper.SetDefault("audio.export.enabled", false)
	viper.SetDefault("audio.export.path", "output.wav")

	viper.SetDefault("audio.playback.enabled", true)
	viper.SetDefault("audio.playback.device", "")
}
