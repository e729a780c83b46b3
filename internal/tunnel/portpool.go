package tunnel

import (
	"fmt"
	"net"
	"sync"
)

// PortAllocator manages the single forwarded-port assignment per agent
// identity, simplified from the teacher's multi-service PortPool (which
// handed out one port per named service, e.g. ssh+http) down to the one
// port per uuid the data model requires.
type PortAllocator struct {
	mu      sync.Mutex
	start   int
	end     int
	byAgent map[string]int // uuid -> assigned port
	byPort  map[int]string // port -> owning uuid
}

// NewPortAllocator creates an allocator covering [start, end] (inclusive).
func NewPortAllocator(start, end int) *PortAllocator {
	return &PortAllocator{
		start:   start,
		end:     end,
		byAgent: make(map[string]int),
		byPort:  make(map[int]string),
	}
}

// LoadExisting pre-reserves ports previously assigned (from the identity
// registry's persisted state) so they are never handed to a different
// agent, mirroring the teacher's own startup-time reservation step.
func (p *PortAllocator) LoadExisting(assignments map[string]int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for uuid, port := range assignments {
		if existing, conflict := p.byPort[port]; conflict && existing != uuid {
			continue
		}
		p.byPort[port] = uuid
		p.byAgent[uuid] = port
	}
}

// AcquireOrReuse returns the port assigned to uuid, verifying OS-level
// availability for a previously-stored port and reallocating if it is now
// occupied by something else (e.g. a stale `reach-agent` process that was
// killed without releasing cleanly).
func (p *PortAllocator) AcquireOrReuse(uuid string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if port, ok := p.byAgent[uuid]; ok {
		if portFree(port) {
			return port, nil
		}
		delete(p.byPort, port)
	}

	port, ok := p.allocatePort()
	if !ok {
		return 0, fmt.Errorf("tunnel: port range [%d,%d] exhausted", p.start, p.end)
	}
	p.byPort[port] = uuid
	p.byAgent[uuid] = port
	return port, nil
}

// Release frees the port assigned to uuid, if any.
func (p *PortAllocator) Release(uuid string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	port, ok := p.byAgent[uuid]
	if !ok {
		return
	}
	delete(p.byPort, port)
	delete(p.byAgent, uuid)
}

func (p *PortAllocator) allocatePort() (int, bool) {
	for port := p.start; port <= p.end; port++ {
		if _, used := p.byPort[port]; used {
			continue
		}
		if !portFree(port) {
			p.byPort[port] = "__os__"
			continue
		}
		return port, true
	}
	return 0, false
}

// portFree probes whether port is available on 127.0.0.1.
func portFree(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}
