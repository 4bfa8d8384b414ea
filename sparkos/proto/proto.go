package proto

// Kind identifies the command carried in a fixed-size queue item.
type Kind uint8

const (
	CmdTimerStart Kind = iota + 1
	CmdTimerStop
	CmdTimerReset
	CmdTimerChangePeriod
	CmdTimerDelete
)

func (k Kind) String() string {
	switch k {
	case CmdTimerStart:
		return "timer_start"
	case CmdTimerStop:
		return "timer_stop"
	case CmdTimerReset:
		return "timer_reset"
	case CmdTimerChangePeriod:
		return "timer_change_period"
	case CmdTimerDelete:
		return "timer_delete"
	default:
		return "unknown"
	}
}
