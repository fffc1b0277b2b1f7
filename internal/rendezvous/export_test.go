package rendezvous

import "context"

// Sweep runs one expiry pass synchronously.
func (s *Server) Sweep() { s.sweep(context.Background()) }
