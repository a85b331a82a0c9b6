package config

import "os"

func viperLookupEnv(key string) (string, bool) {
	return os.LookupEnv(key)
}

func viperFileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func defaultHostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "unknown-host"
	}
	return h
}
