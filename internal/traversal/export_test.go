package traversal

// Exposes internals for package traversal_test.

var TestParseHostAddress = parseHostAddress

func KeepAliveStarts(s *Session) int { return int(s.keepAliveStarts.Load()) }
