package thermal

// NewWithRunner builds a Monitor around a fake command runner.
var NewWithRunner = newMonitor
