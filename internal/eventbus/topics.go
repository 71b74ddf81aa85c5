package eventbus

// Event types published by the daemon.
const (
	TaskAdmitted    = "task.admitted"
	TaskSpawned     = "task.spawned"
	TaskFinished    = "task.finished"
	TaskRecovered   = "task.recovered"
	AdmissionDenied = "admission.denied"
	LoopError       = "loop.error"
	LoopPaused      = "loop.paused"
	ConfigReloaded  = "config.reloaded"
	HistoryCleaned  = "history.cleaned"
	DaemonStopping  = "daemon.stopping"
)
