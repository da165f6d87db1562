package signature

import "bytes"

// wellKnownPorts maps ports to their conventional protocol labels.
var wellKnownPorts = map[int]string{
	20:   "FTP-DATA",
	21:   "FTP",
	22:   "SSH",
	23:   "TELNET",
	25:   "SMTP",
	53:   "DNS",
	80:   "HTTP",
	443:  "HTTPS",
	1433: "MSSQL",
	3306: "MySQL",
	3389: "RDP",
	5900: "VNC",
}

// protocolPrefixes are byte signatures checked against the start of a
// payload when port-based detection comes up empty.
var protocolPrefixes = []struct {
	protocol string
	sigs     [][]byte
}{
	{"HTTP", [][]byte{[]byte("HTTP/"), []byte("GET "), []byte("POST "), []byte("HEAD ")}},
	{"SSH", [][]byte{[]byte("SSH-")}},
	{"TLS", [][]byte{{0x16, 0x03}, {0x17, 0x03}}},
	{"DNS", [][]byte{{0x00, 0x00, 0x01, 0x00, 0x00, 0x01, 0x00, 0x00}}},
	{"SMTP", [][]byte{[]byte("EHLO"), []byte("HELO"), []byte("MAIL FROM")}},
	{"FTP", [][]byte{[]byte("220 "), []byte("USER "), []byte("PASS ")}},
	{"TELNET", [][]byte{{0xff, 0xfb}, {0xff, 0xfd}}},
}

// contentPatterns label the payload body by file/content signatures. An
// offset of -1 means the signature may appear anywhere.
var contentPatterns = []struct {
	label  string
	offset int
	sig    []byte
}{
	{"EXECUTABLE", 0, []byte("MZ")},
	{"EXECUTABLE", 0, []byte{0x7f, 'E', 'L', 'F'}},
	{"ARCHIVE", 0, []byte("PK")},
	{"ARCHIVE", 0, []byte("Rar!")},
	{"IMAGE", 0, []byte{0x89, 'P', 'N', 'G'}},
	{"IMAGE", 0, []byte("GIF8")},
	{"PDF", 0, []byte("%PDF")},
	{"JAVASCRIPT", -1, []byte("function")},
	{"JAVASCRIPT", -1, []byte("eval(")},
	{"HTML", -1, []byte("<!DOCTYPE")},
	{"HTML", -1, []byte("<html")},
	{"XML", -1, []byte("<?xml")},
}

// DetectProtocol labels the traffic type from well-known ports first, then
// from byte prefixes in the first 20 bytes of the payload. Returns
// "UNKNOWN" when nothing matches. Pure metadata, never a threat signal.
func DetectProtocol(payload []byte, srcPort, dstPort int) string {
	for _, port := range []int{srcPort, dstPort} {
		if proto, ok := wellKnownPorts[port]; ok {
			return proto
		}
	}

	head := payload
	if len(head) > 20 {
		head = head[:20]
	}
	for _, entry := range protocolPrefixes {
		for _, sig := range entry.sigs {
			if bytes.Contains(head, sig) {
				return entry.protocol
			}
		}
	}
	return "UNKNOWN"
}

// DetectContentPattern labels the payload body (executable, archive, HTML,
// ...) from content signatures. Returns "UNKNOWN" when nothing matches.
func DetectContentPattern(payload []byte) string {
	for _, p := range contentPatterns {
		if p.offset < 0 {
			if bytes.Contains(payload, p.sig) {
				return p.label
			}
			continue
		}
		end := p.offset + len(p.sig)
		if end <= len(payload) && bytes.Equal(payload[p.offset:end], p.sig) {
			return p.label
		}
	}
	return "UNKNOWN"
}

// PrintableStrings extracts up to limit printable ASCII runs of at least
// minLength bytes from the payload.
func PrintableStrings(payload []byte, minLength, limit int) []string {
	var out []string
	var current []byte

	flush := func() {
		if len(current) >= minLength {
			out = append(out, string(current))
		}
		current = current[:0]
	}

	for _, b := range payload {
		if b >= 32 && b <= 126 {
			current = append(current, b)
			continue
		}
		flush()
		if len(out) >= limit {
			return out[:limit]
		}
	}
	flush()

	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
