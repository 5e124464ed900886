package instance

import "context"

// Status is a read-only snapshot of the instance slot.
type Status struct {
	Running    bool
	PID        int
	Port       int
	SSHCommand string
}

// Status reports whether an instance is live and how to reach it. It takes
// no lock: it is safe for unprivileged callers and never mutates state.
func (m *Manager) Status(ctx context.Context) (*Status, error) {
	conn, err := m.LoadConnection(ctx)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return &Status{}, nil
	}
	return &Status{
		Running:    true,
		PID:        conn.PID,
		Port:       conn.Port,
		SSHCommand: conn.SSHCommand(),
	}, nil
}
