package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

func GetDataDir() string {
	value, exists := os.LookupEnv("DOUBLELIFT_DATA_DIR")
	if exists {
		return value
	}
	return "data"
}

func GetDatabasePath() string {
	value, exists := os.LookupEnv("DATABASE_PATH")
	if exists {
		return value
	}
	return filepath.Join(GetDataDir(), "doublelift.db")
}

func GetVodStorageDir() string {
	value, exists := os.LookupEnv("VOD_STORAGE_PATH")
	if exists {
		return value
	}
	return "vods"
}

func GetProcessedStorageDir() string {
	value, exists := os.LookupEnv("PROCESSED_STORAGE_PATH")
	if exists {
		return value
	}
	return "processed"
}

func GetTwitchClientID() (string, error) {
	key := "TWITCH_CLIENT_ID"
	value, exists := os.LookupEnv(key)
	if exists {
		return value, nil
	}
	return "", fmt.Errorf("please set %s", key)
}

func GetTwitchClientSecret() (string, error) {
	key := "TWITCH_CLIENT_SECRET"
	value, exists := os.LookupEnv(key)
	if exists {
		return value, nil
	}
	return "", fmt.Errorf("please set %s", key)
}

// the channel login whose VODs are scanned, used when
// TWITCH_CHANNEL_ID is not set directly
func GetTwitchChannel() string {
	value, exists := os.LookupEnv("TWITCH_RERUN_CHANNEL")
	if exists {
		return value
	}
	return ""
}

func GetTwitchChannelID() string {
	value, exists := os.LookupEnv("TWITCH_CHANNEL_ID")
	if exists {
		return value
	}
	return ""
}

func GetStreamKey() string {
	value, exists := os.LookupEnv("TWITCH_RERUN_STREAM_KEY")
	if exists {
		return value
	}
	return ""
}

func GetRTMPURL() string {
	value, exists := os.LookupEnv("RTMP_URL")
	if exists {
		return value
	}
	return "rtmp://live.twitch.tv/app"
}

func GetScanSchedule() string {
	value, exists := os.LookupEnv("SCAN_SCHEDULE")
	if exists {
		return value
	}
	return "0 0 * * *"
}

func GetScanDaysBack() int {
	return getInt("SCAN_DAYS_BACK", 30)
}

func GetMaxRetries() int {
	return getInt("DOWNLOAD_MAX_RETRIES", 3)
}

func GetRetryDelay() time.Duration {
	return time.Duration(getInt("DOWNLOAD_RETRY_DELAY_SECONDS", 5)) * time.Second
}

// playlist duration cap in hours
func GetPlaylistCapHours() int {
	return getInt("PLAYLIST_TARGET_HOURS", 48)
}

func GetAutoProcess() bool {
	return getBool("AUTO_PROCESS", true)
}

func GetAutoPlaylist() bool {
	return getBool("AUTO_PLAYLIST", true)
}

// silencedetect noise floor, e.g. "-50dB"
func GetSilenceNoise() string {
	value, exists := os.LookupEnv("SILENCE_NOISE")
	if exists {
		return value
	}
	return "-50dB"
}

// mute intervals shorter than this are ignored
func GetMinMuteSeconds() float64 {
	return getFloat("MIN_MUTE_SECONDS", 10)
}

// detected intervals closer together than this are merged
func GetMuteMergeGapSeconds() float64 {
	return getFloat("MUTE_MERGE_GAP_SECONDS", 2)
}

// keep-intervals shorter than this are discarded
func GetMinKeepSeconds() float64 {
	return getFloat("MIN_KEEP_SECONDS", 5)
}

// logrus level name; anything unparseable falls back to debug
func GetLogLevel() string {
	value, exists := os.LookupEnv("LOG_LEVEL")
	if exists {
		return value
	}
	return "debug"
}

func GetListenAddr() string {
	value, exists := os.LookupEnv("LISTEN_ADDR")
	if exists {
		return value
	}
	return ":8080"
}

func getInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		lower := strings.ToLower(value)
		if lower == "on" || lower == "1" || lower == "true" || lower == "yes" {
			return true
		}
		return false
	}
	return fallback
}
