package common

var (
	// Instance keys
	instanceCreateLock string = "playground:instance:create:lock"

	// Run keys
	runEvents string = "playground:runs:events"
)

var Keys = &redisKeys{}

type redisKeys struct{}

func (rk *redisKeys) InstanceCreateLock() string {
	return instanceCreateLock
}

func (rk *redisKeys) RunEvents() string {
	return runEvents
}
