package safe_close

import (
	"fmt"
	"sync"
)

// SafeClose can achieve safe close where CloseWait returns only after
// all sub goroutines exited.
//
//  1. The main goroutine waits on ReceiveCloseSignal and calls Done before it returns.
//  2. Sub goroutines are started by Attach or Go and watch ReceiveCloseSignal.
//  3. Any goroutine can call SendCloseSignal to close the service with an error.
//     CloseWait must not be called from a sub goroutine, it would deadlock.
//  4. Any third party caller, e.g. a service manager, can call CloseWait to close the service.
type SafeClose struct {
	m           sync.Mutex
	wg          sync.WaitGroup
	closeSignal chan struct{}
	done        chan struct{}
	doneOnce    sync.Once
	closeErr    error
}

func NewSafeClose() *SafeClose {
	return &SafeClose{
		closeSignal: make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// CloseWait sends a close signal to SafeClose and wait until it is closed.
// It is concurrent safe and can be called multiple times.
// CloseWait blocks until s.Done() is called and all Attach-ed goroutines is done.
func (s *SafeClose) CloseWait() {
	s.SendCloseSignal(nil)
	s.wg.Wait()
	<-s.done
}

// SendCloseSignal sends a close signal. Only the first signal's err is kept.
func (s *SafeClose) SendCloseSignal(err error) {
	s.m.Lock()
	defer s.m.Unlock()

	select {
	case <-s.closeSignal:
		return
	default:
		s.closeErr = err
		close(s.closeSignal)
	}
}

// Err returns the error of the first SendCloseSignal.
func (s *SafeClose) Err() error {
	s.m.Lock()
	defer s.m.Unlock()
	return s.closeErr
}

func (s *SafeClose) ReceiveCloseSignal() <-chan struct{} {
	return s.closeSignal
}

// Attach add this goroutine to s.wg CloseWait.
// f must receive closeSignal and call done when it is done.
// If s was closed, f will not run.
func (s *SafeClose) Attach(f func(done func(), closeSignal <-chan struct{})) {
	s.m.Lock()
	select {
	case <-s.closeSignal:
		s.m.Unlock()
		return
	default:
		s.wg.Add(1)
	}
	s.m.Unlock()

	go func() {
		f(s.wg.Done, s.closeSignal)
	}()
}

// Go runs serve in an attached goroutine and calls stop once a close
// signal is received. A serve error closes s, tagged with name.
// serve must return after stop is called.
func (s *SafeClose) Go(name string, serve func() error, stop func()) {
	s.Attach(func(done func(), closeSignal <-chan struct{}) {
		defer done()
		errChan := make(chan error, 1)
		go func() {
			errChan <- serve()
		}()
		select {
		case err := <-errChan:
			if err != nil {
				err = fmt.Errorf("%s exited, %w", name, err)
			}
			s.SendCloseSignal(err)
		case <-closeSignal:
			stop()
			<-errChan
		}
	})
}

// Done notifies CloseWait that is done.
// It is concurrent safe and can be called multiple times.
func (s *SafeClose) Done() {
	s.doneOnce.Do(func() {
		close(s.done)
	})
}
