package spoof

// Exposes internals for package spoof_test.

var TestBuildUDP = buildUDP
var TestUDPChecksum = udpChecksum
