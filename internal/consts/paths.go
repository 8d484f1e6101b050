package consts

import (
	"os"
	"path/filepath"
)

const (
	HomeDirName    = ".crond"
	ConfigFileName = "config.yaml"
	CronDirName    = "cron"
	JobsFileName   = "jobs.json"
	RunsDirName    = "runs"
	LogsDirName    = "logs"
)

// HomeDir returns ~/.crond, or $CROND_HOME when set.
func HomeDir() string {
	if dir := os.Getenv("CROND_HOME"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, HomeDirName)
}

func DefaultConfigPath() string {
	return filepath.Join(HomeDir(), ConfigFileName)
}

func DefaultStorePath() string {
	return filepath.Join(HomeDir(), CronDirName, JobsFileName)
}

func DefaultRunLogDir() string {
	return filepath.Join(HomeDir(), CronDirName, RunsDirName)
}

func DefaultLogFile() string {
	return filepath.Join(HomeDir(), LogsDirName, "crond.log")
}
