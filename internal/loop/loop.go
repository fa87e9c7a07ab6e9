// Package loop is the event-loop abstraction the client-node core consumes
// but does not define: sources for fds, timers, and idles,
// plus a submit-to-loop primitive for crossing between the main loop and
// the data loop. Two independent instances are used: one for the
// control plane, one for the realtime data plane.
package loop

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/streamnode/brokerd/internal/logger"
)

// errLoopStopped is returned by Invoke when the target loop has already
// stopped and can no longer accept marshaled calls.
var errLoopStopped = errors.New("loop: stopped")

// IOMask is a bitmask of readiness conditions a Source may be registered
// for.
type IOMask uint32

const (
	// In indicates the fd is readable.
	In IOMask = 1 << iota
	// Out indicates the fd is writable.
	Out
	// Err indicates an error condition on the fd.
	Err
	// Hup indicates the peer hung up.
	Hup
)

func (m IOMask) toEpoll() uint32 {
	var e uint32
	if m&In != 0 {
		e |= unix.EPOLLIN
	}

	if m&Out != 0 {
		e |= unix.EPOLLOUT
	}
	// EPOLLERR/EPOLLHUP are always reported by the kernel regardless of
	// the requested event mask; we still record Err/Hup in the mask we
	// hand back to the callback.
	return e
}

// IOCallback is invoked when a registered fd becomes ready. revents
// reports which of In/Err/Hup actually fired.
type IOCallback func(fd int, revents IOMask)

// IdleCallback is invoked once per loop iteration while the idle source is
// enabled.
type IdleCallback func()

// TimerCallback is invoked when a timer fires.
type TimerCallback func()

// InvokeCallback is the payload a submit-to-loop call runs on its target
// loop.
type InvokeCallback func(seq uint32, data []byte) (any, error)

// Source is an opaque handle to a registered fd/idle/timer source.
type Source struct {
	kind sourceKind
	id   uint64
}

type sourceKind int

const (
	kindIO sourceKind = iota
	kindIdle
	kindTimer
)

type ioSource struct {
	fd          int
	mask        IOMask
	closeOnDrop bool
	cb          IOCallback
}

type idleSource struct {
	cb      IdleCallback
	enabled bool
}

type timerSource struct {
	cb       TimerCallback
	next     time.Time
	interval time.Duration
}

type invokeReq struct {
	seq      uint32
	data     []byte
	cb       InvokeCallback
	resultCh chan invokeResult
}

type invokeResult struct {
	val any
	err error
}

// Loop is one cooperative, single-threaded event loop instance.
type Loop struct {
	name string
	epfd int

	wakeFD int // eventfd used to break EpollWait for invokes and Stop

	mu      sync.Mutex
	ios     map[uint64]*ioSource
	idles   map[uint64]*idleSource
	timers  map[uint64]*timerSource
	nextID  uint64
	running bool

	invokeCh chan invokeReq
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a Loop. Call Run to start it on the current goroutine (the
// caller becomes "the main loop" or "the data loop" — exactly
// one goroutine drives each Loop for its lifetime).
func New(name string) (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}

	wakeFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, err
	}

	l := &Loop{
		name:     name,
		epfd:     epfd,
		wakeFD:   wakeFD,
		ios:      make(map[uint64]*ioSource),
		idles:    make(map[uint64]*idleSource),
		timers:   make(map[uint64]*timerSource),
		invokeCh: make(chan invokeReq, 64),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	err = unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFD, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(wakeFD),
	})
	if err != nil {
		_ = unix.Close(epfd)
		_ = unix.Close(wakeFD)
		return nil, err
	}

	return l, nil
}

// AddSource registers a previously created Source (a no-op placeholder for
// sources created via AddIO/AddIdle/AddTimer, which self-register; kept for
// interface symmetry with the collaborator contract).
func (l *Loop) AddSource(Source) error { return nil }

// RemoveSource is an alias for DestroySource.
func (l *Loop) RemoveSource(s Source) error {
	l.DestroySource(s)
	return nil
}

// AddIO registers fd for readiness notification under mask.
func (l *Loop) AddIO(fd int, mask IOMask, closeOnDrop bool, cb IOCallback) (Source, error) {
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.ios[id] = &ioSource{fd: fd, mask: mask, closeOnDrop: closeOnDrop, cb: cb}
	l.mu.Unlock()

	err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: mask.toEpoll(),
		Fd:     int32(fd),
	})
	if err != nil {
		l.mu.Lock()
		delete(l.ios, id)
		l.mu.Unlock()

		return Source{}, err
	}

	return Source{kind: kindIO, id: id}, nil
}

// UpdateIO changes the readiness mask for a previously added IO source.
func (l *Loop) UpdateIO(s Source, mask IOMask) error {
	l.mu.Lock()
	src, ok := l.ios[s.id]
	if ok {
		src.mask = mask
	}
	l.mu.Unlock()

	if !ok {
		return nil
	}

	return unix.EpollCtl(l.epfd, unix.EPOLL_CTL_MOD, src.fd, &unix.EpollEvent{
		Events: mask.toEpoll(),
		Fd:     int32(src.fd),
	})
}

// AddIdle registers an idle callback, run once per loop iteration while
// enabled.
func (l *Loop) AddIdle(cb IdleCallback, enabled bool) (Source, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextID
	l.nextID++
	l.idles[id] = &idleSource{cb: cb, enabled: enabled}

	return Source{kind: kindIdle, id: id}, nil
}

// EnableIdle toggles whether an idle source runs.
func (l *Loop) EnableIdle(s Source, enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if src, ok := l.idles[s.id]; ok {
		src.enabled = enabled
	}
}

// AddTimer registers a timer callback, initially disarmed.
func (l *Loop) AddTimer(cb TimerCallback) (Source, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextID
	l.nextID++
	l.timers[id] = &timerSource{cb: cb}

	return Source{kind: kindTimer, id: id}, nil
}

// UpdateTimer arms a timer to first fire after value, then every interval
// (0 interval means one-shot).
func (l *Loop) UpdateTimer(s Source, value, interval time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	src, ok := l.timers[s.id]
	if !ok {
		return nil
	}

	src.next = time.Now().Add(value)
	src.interval = interval

	return nil
}

// DestroySource removes a source of any kind.
func (l *Loop) DestroySource(s Source) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch s.kind {
	case kindIO:
		if src, ok := l.ios[s.id]; ok {
			_ = unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, src.fd, nil)
			if src.closeOnDrop {
				_ = unix.Close(src.fd)
			}

			delete(l.ios, s.id)
		}
	case kindIdle:
		delete(l.idles, s.id)
	case kindTimer:
		delete(l.timers, s.id)
	}
}

// Invoke is the submit-to-loop primitive. from identifies the
// loop the caller is currently executing on (nil if not on any loop
// managed by this package); when from == l, cb runs inline. Otherwise the
// call is marshaled onto l's goroutine via its wake eventfd. async
// controls whether Invoke waits for cb's result.
func (l *Loop) Invoke(from *Loop, cb InvokeCallback, seq uint32, data []byte, async bool) (any, error) {
	if from == l {
		return cb(seq, data)
	}

	req := invokeReq{seq: seq, data: data, cb: cb}
	if !async {
		req.resultCh = make(chan invokeResult, 1)
	}

	select {
	case l.invokeCh <- req:
	case <-l.doneCh:
		return nil, errLoopStopped
	}

	l.wake()

	if async {
		return nil, nil
	}

	res := <-req.resultCh

	return res.val, res.err
}

func (l *Loop) wake() {
	var buf [8]byte
	buf[7] = 1

	_, _ = unix.Write(l.wakeFD, buf[:])
}

// Run drives the loop until Stop is called or ctx-like stopCh fires. It
// must be called from the goroutine that will be treated as "this loop"
// for Invoke's inline-execution check.
func (l *Loop) Run() {
	l.mu.Lock()
	l.running = true
	l.mu.Unlock()

	defer close(l.doneCh)

	events := make([]unix.EpollEvent, 32)

	for {
		select {
		case <-l.stopCh:
			return
		default:
		}

		timeout := l.nextTimeout()

		n, err := unix.EpollWait(l.epfd, events, timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}

			logger.Error("loop: epoll_wait failed", logger.Ctx{"loop": l.name, "err": err})

			return
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == l.wakeFD {
				l.drainWake()
				l.drainInvokes()

				continue
			}

			l.dispatchIO(fd, events[i].Events)
		}

		l.runIdles()
		l.runTimers()
	}
}

// Stop asks Run to return after its current iteration.
func (l *Loop) Stop() {
	select {
	case <-l.stopCh:
	default:
		close(l.stopCh)
	}

	l.wake()
}

// Close releases the loop's epoll and eventfd descriptors. Call after Run
// has returned.
func (l *Loop) Close() {
	_ = unix.Close(l.epfd)
	_ = unix.Close(l.wakeFD)
}

func (l *Loop) drainWake() {
	var buf [8]byte
	for {
		_, err := unix.Read(l.wakeFD, buf[:])
		if err != nil {
			return
		}
	}
}

func (l *Loop) drainInvokes() {
	for {
		select {
		case req := <-l.invokeCh:
			val, err := req.cb(req.seq, req.data)
			if req.resultCh != nil {
				req.resultCh <- invokeResult{val: val, err: err}
			}
		default:
			return
		}
	}
}

func (l *Loop) dispatchIO(fd int, events uint32) {
	l.mu.Lock()
	var src *ioSource
	for _, s := range l.ios {
		if s.fd == fd {
			src = s
			break
		}
	}
	l.mu.Unlock()

	if src == nil {
		return
	}

	var revents IOMask
	if events&unix.EPOLLIN != 0 {
		revents |= In
	}

	if events&unix.EPOLLOUT != 0 {
		revents |= Out
	}

	if events&unix.EPOLLERR != 0 {
		revents |= Err
	}

	if events&unix.EPOLLHUP != 0 {
		revents |= Hup
	}

	src.cb(fd, revents)
}

func (l *Loop) runIdles() {
	l.mu.Lock()
	cbs := make([]IdleCallback, 0, len(l.idles))
	for _, s := range l.idles {
		if s.enabled {
			cbs = append(cbs, s.cb)
		}
	}
	l.mu.Unlock()

	for _, cb := range cbs {
		cb()
	}
}

func (l *Loop) runTimers() {
	now := time.Now()

	l.mu.Lock()
	due := make([]*timerSource, 0)
	for _, s := range l.timers {
		if !s.next.IsZero() && !now.Before(s.next) {
			due = append(due, s)
			if s.interval > 0 {
				s.next = now.Add(s.interval)
			} else {
				s.next = time.Time{}
			}
		}
	}
	l.mu.Unlock()

	for _, s := range due {
		s.cb()
	}
}

func (l *Loop) nextTimeout() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.idles) > 0 {
		for _, s := range l.idles {
			if s.enabled {
				return 0
			}
		}
	}

	best := -1

	now := time.Now()
	for _, s := range l.timers {
		if s.next.IsZero() {
			continue
		}

		ms := int(s.next.Sub(now) / time.Millisecond)
		if ms < 0 {
			ms = 0
		}

		if best == -1 || ms < best {
			best = ms
		}
	}

	return best
}
