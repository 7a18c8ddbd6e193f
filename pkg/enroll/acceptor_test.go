package enroll

import (
	"net"
	"testing"
	"time"
)

func TestAcceptorEnqueuesConnections(t *testing.T) {
	queue := NewQueue(4)
	acceptor, err := NewAcceptor("127.0.0.1:0", queue)
	if err != nil {
		t.Fatalf("NewAcceptor() error = %v", err)
	}
	defer acceptor.Close()

	running := true
	go acceptor.Run(func() bool { return running })
	defer func() { running = false }()

	conn, err := net.Dial("tcp", acceptor.Addr().String())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	handoff, ok := queue.PopTimed(2 * time.Second)
	if !ok {
		t.Fatalf("queue never received the accepted connection")
	}
	if handoff.Conn == nil {
		t.Errorf("handoff.Conn is nil")
	}
	handoff.Conn.Close()
}

func TestAcceptorDropsOnFullQueue(t *testing.T) {
	queue := NewQueue(1)
	acceptor, err := NewAcceptor("127.0.0.1:0", queue)
	if err != nil {
		t.Fatalf("NewAcceptor() error = %v", err)
	}
	defer acceptor.Close()

	running := true
	go acceptor.Run(func() bool { return running })
	defer func() { running = false }()

	addr := acceptor.Addr().String()
	var conns []net.Conn
	for i := 0; i < 3; i++ {
		c, err := net.Dial("tcp", addr)
		if err != nil {
			t.Fatalf("Dial() error = %v", err)
		}
		conns = append(conns, c)
	}
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()

	time.Sleep(200 * time.Millisecond)
	if queue.Len() > 1 {
		t.Errorf("queue.Len() = %d, want at most capacity 1", queue.Len())
	}
}
