package kernel

// NotifyAction selects how Notify updates the target's notification value.
type NotifyAction uint8

const (
	// NotifyNoAction only marks the notification pending.
	NotifyNoAction NotifyAction = iota
	// NotifySetBits ORs the value in.
	NotifySetBits
	// NotifyIncrement adds one; the value argument is ignored.
	NotifyIncrement
	// NotifyOverwrite replaces the value.
	NotifyOverwrite
	// NotifySetWithoutOverwrite replaces the value unless a notification is
	// already pending, in which case it fails with ErrNotificationPending.
	NotifySetWithoutOverwrite
)

func (a NotifyAction) String() string {
	switch a {
	case NotifyNoAction:
		return "no action"
	case NotifySetBits:
		return "set bits"
	case NotifyIncrement:
		return "increment"
	case NotifyOverwrite:
		return "overwrite"
	case NotifySetWithoutOverwrite:
		return "set without overwrite"
	default:
		return "unknown"
	}
}

type notifyState uint8

const (
	notifyIdle notifyState = iota
	notifyWaiting
	notifyReceived
)

// notifyLocked applies a notification to slot index of t and readies t if it
// was waiting for one. It returns the previous value and the woken task.
func (k *Kernel) notifyLocked(t *Task, index int, value uint32, action NotifyAction) (uint32, *Task, error) {
	if err := k.checkNotify(t, index); err != nil {
		return 0, nil, err
	}
	prev := t.notifyValue[index]
	was := t.notifyState[index]

	switch action {
	case NotifySetBits:
		t.notifyValue[index] |= value
	case NotifyIncrement:
		t.notifyValue[index]++
	case NotifyOverwrite:
		t.notifyValue[index] = value
	case NotifySetWithoutOverwrite:
		if was == notifyReceived {
			return prev, nil, ErrNotificationPending
		}
		t.notifyValue[index] = value
	case NotifyNoAction:
	default:
		return prev, nil, k.assertAt(1, ErrProtocolViolation, "unknown notify action")
	}
	t.notifyState[index] = notifyReceived

	if was != notifyWaiting {
		return prev, nil, nil
	}
	if t.state != TaskBlocked {
		return prev, nil, k.assertAt(1, ErrInvariant, "notification waiter is not blocked")
	}
	k.wakeTask(t, wakeEvent)
	return prev, t, nil
}

func (k *Kernel) checkNotify(t *Task, index int) error {
	if !k.cfg.UseTaskNotifications {
		return k.assertAt(1, ErrFeatureDisabled, "task notifications")
	}
	if t == nil || t.k != k || t.deleted.Load() {
		return k.assertAt(1, ErrProtocolViolation, "notification target is not a live task")
	}
	if index < 0 || index >= len(t.notifyValue) {
		return k.assertAt(1, ErrProtocolViolation, "notification index out of range")
	}
	return nil
}

// Notify sends a notification to slot 0 of t.
func (c *Context) Notify(t *Task, value uint32, action NotifyAction) error {
	_, err := c.NotifyIndexedAndQuery(t, 0, value, action)
	return err
}

// NotifyIndexed sends a notification to slot index of t.
func (c *Context) NotifyIndexed(t *Task, index int, value uint32, action NotifyAction) error {
	_, err := c.NotifyIndexedAndQuery(t, index, value, action)
	return err
}

// NotifyIndexedAndQuery sends a notification and returns the slot's previous
// value.
func (c *Context) NotifyIndexedAndQuery(t *Task, index int, value uint32, action NotifyAction) (uint32, error) {
	if err := c.enter(); err != nil {
		return 0, err
	}
	defer c.exit()
	prev, woken, err := c.k.notifyLocked(t, index, value, action)
	if woken != nil {
		c.k.preemptIfHigher(woken)
	}
	return prev, err
}

// NotifyGive increments slot 0 of t, using the notification as a light
// counting semaphore.
func (c *Context) NotifyGive(t *Task) error {
	return c.Notify(t, 0, NotifyIncrement)
}

// NotifyWait waits up to timeout ticks for a notification on slot 0. Bits in
// clearOnEntry are cleared before waiting unless one is already pending; bits
// in clearOnExit are cleared after the value is read. It returns the value.
func (c *Context) NotifyWait(clearOnEntry, clearOnExit uint32, timeout Ticks) (uint32, error) {
	return c.NotifyWaitIndexed(0, clearOnEntry, clearOnExit, timeout)
}

// NotifyWaitIndexed is NotifyWait on slot index.
func (c *Context) NotifyWaitIndexed(index int, clearOnEntry, clearOnExit uint32, timeout Ticks) (uint32, error) {
	if err := c.enter(); err != nil {
		return 0, err
	}
	defer c.exit()
	k, t := c.k, c.task
	if err := k.checkNotify(t, index); err != nil {
		return 0, err
	}

	if t.notifyState[index] != notifyReceived {
		t.notifyValue[index] &^= clearOnEntry
		if timeout > 0 {
			t.notifyState[index] = notifyWaiting
			if _, err := k.blockCurrent(nil, timeout); err != nil {
				t.notifyState[index] = notifyIdle
				return 0, err
			}
		}
	}

	value := t.notifyValue[index]
	if t.notifyState[index] != notifyReceived {
		t.notifyState[index] = notifyIdle
		return value, ErrTimeout
	}
	t.notifyValue[index] &^= clearOnExit
	t.notifyState[index] = notifyIdle
	return value, nil
}

// NotifyTake waits up to timeout ticks for slot 0 to become non-zero, then
// either clears it or decrements it. It returns the value before that.
func (c *Context) NotifyTake(clearCount bool, timeout Ticks) (uint32, error) {
	return c.NotifyTakeIndexed(0, clearCount, timeout)
}

// NotifyTakeIndexed is NotifyTake on slot index.
func (c *Context) NotifyTakeIndexed(index int, clearCount bool, timeout Ticks) (uint32, error) {
	if err := c.enter(); err != nil {
		return 0, err
	}
	defer c.exit()
	k, t := c.k, c.task
	if err := k.checkNotify(t, index); err != nil {
		return 0, err
	}

	if t.notifyValue[index] == 0 && timeout > 0 {
		t.notifyState[index] = notifyWaiting
		if _, err := k.blockCurrent(nil, timeout); err != nil {
			t.notifyState[index] = notifyIdle
			return 0, err
		}
	}

	value := t.notifyValue[index]
	t.notifyState[index] = notifyIdle
	if value == 0 {
		return 0, ErrTimeout
	}
	if clearCount {
		t.notifyValue[index] = 0
	} else {
		t.notifyValue[index]--
	}
	return value, nil
}

// NotifyStateClear clears a pending notification on slot index of t (nil for
// the caller). It reports whether one was pending.
func (c *Context) NotifyStateClear(t *Task, index int) (bool, error) {
	if err := c.enter(); err != nil {
		return false, err
	}
	defer c.exit()
	if t == nil {
		t = c.task
	}
	if err := c.k.checkNotify(t, index); err != nil {
		return false, err
	}
	if t.notifyState[index] != notifyReceived {
		return false, nil
	}
	t.notifyState[index] = notifyIdle
	return true, nil
}

// NotifyValueClear clears the bits in mask of slot index of t (nil for the
// caller) and returns the value before clearing.
func (c *Context) NotifyValueClear(t *Task, index int, mask uint32) (uint32, error) {
	if err := c.enter(); err != nil {
		return 0, err
	}
	defer c.exit()
	if t == nil {
		t = c.task
	}
	if err := c.k.checkNotify(t, index); err != nil {
		return 0, err
	}
	prev := t.notifyValue[index]
	t.notifyValue[index] &^= mask
	return prev, nil
}

// Notify sends a notification to slot 0 of t from an interrupt.
func (isr *ISR) Notify(t *Task, value uint32, action NotifyAction) (bool, error) {
	return isr.NotifyIndexed(t, 0, value, action)
}

// NotifyIndexed sends a notification to slot index of t from an interrupt.
func (isr *ISR) NotifyIndexed(t *Task, index int, value uint32, action NotifyAction) (bool, error) {
	if err := isr.check(isr.k); err != nil {
		return false, err
	}
	if isr.k.current() == nil {
		return false, ErrSchedulerNotRunning
	}
	_, woken, err := isr.k.notifyLocked(t, index, value, action)
	if woken == nil {
		return false, err
	}
	return isr.woke(woken), err
}

// NotifyGive increments slot 0 of t from an interrupt.
func (isr *ISR) NotifyGive(t *Task) (bool, error) {
	return isr.Notify(t, 0, NotifyIncrement)
}
