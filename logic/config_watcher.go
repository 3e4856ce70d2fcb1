package logic

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"opcua-gateway/config"
)

func getConfigModTime(configPath string) (time.Time, error) {
	fileInfo, err := os.Stat(configPath)
	if err != nil {
		return time.Time{}, fmt.Errorf("could not get file info: %w", err)
	}
	return fileInfo.ModTime(), nil
}

// WatchConfig polls configPath every interval until stop is closed. When the
// modification time changes the file is loaded again and, if it is valid,
// passed to onChange. Invalid files are logged and skipped.
//
// Example:
//
//	go logic.WatchConfig("config.yaml", 5*time.Second, stop, dm.Restart, log)
func WatchConfig(configPath string, interval time.Duration, stop <-chan struct{}, onChange func(*config.Config), log logrus.FieldLogger) {
	lastModTime, err := getConfigModTime(configPath)
	if err != nil {
		log.Warnf("DM: Error checking config change: %v", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		modTime, err := getConfigModTime(configPath)
		if err != nil {
			log.Warnf("DM: Error checking config change: %v", err)
			continue
		}
		if modTime.Equal(lastModTime) {
			continue
		}
		lastModTime = modTime

		cfg, err := config.Load(configPath)
		if err != nil {
			log.Errorf("DM: Ignoring changed config file: %v", err)
			continue
		}
		log.Info("DM: Config file has changed.")
		onChange(cfg)
	}
}
