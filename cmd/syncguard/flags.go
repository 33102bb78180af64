package main

// RootFlags Flag structs to decouple cobra from logic for testing.
type RootFlags struct {
	ConfigPath    string
	Verbose       bool // -l/--log
	Script        string
	IdleLimit     uint64
	ExitPolicy    string
	MetricsListen string
	HistoryDSN    string
	LockFile      string
	LogFile       string
	LogLevel      string
}

type ReapFlags struct {
	PIDFile string
}
