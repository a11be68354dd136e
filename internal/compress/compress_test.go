package compress

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func numberedLines(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "line %d\n", i)
	}
	return b.String()
}

func TestCompress_SmallOutputPassesThrough(t *testing.T) {
	c := New(DefaultConfig(), testLogger())
	raw := "uid=0(root) gid=0(root)\n"
	d := c.Compress("execute_command", "abc", 0, "ok", raw)
	if d.Format != FormatPassthrough || d.Text != raw || d.Truncated {
		t.Errorf("digest = %+v", d)
	}
	if !strings.HasPrefix(d.Render(), "[execute_command id=abc exit=0 status=ok format=passthrough]\n") {
		t.Errorf("Render() = %q", d.Render())
	}
}

func TestCompress_LongOutputKeepsHeadAndTail(t *testing.T) {
	c := New(DefaultConfig(), testLogger())
	d := c.Compress("execute_command", "abc", 0, "ok", numberedLines(10000))

	lines := strings.Split(d.Text, "\n")
	if len(lines) > 200 {
		t.Fatalf("digest has %d lines, want <= 200", len(lines))
	}
	if lines[0] != "line 0" {
		t.Errorf("first line = %q", lines[0])
	}
	if lines[len(lines)-1] != "line 9999" {
		t.Errorf("last line = %q", lines[len(lines)-1])
	}
	if !strings.Contains(d.Text, "lines omitted") {
		t.Error("no omission marker")
	}
	if d.TotalLines != 10000 || !d.Truncated || d.Format != FormatTruncated {
		t.Errorf("digest metadata = %+v", d)
	}
}

func TestCompress_Idempotent(t *testing.T) {
	c := New(DefaultConfig(), testLogger())
	inputs := []string{
		"short",
		numberedLines(10000),
		strings.Repeat("x", 5000),
		strings.Repeat(strings.Repeat("y", 400)+"\n", 300),
	}
	for i, raw := range inputs {
		once := c.Compress("execute_command", "id", 0, "ok", raw)
		twice := c.Compress("execute_command", "id", 0, "ok", once.Text)
		if twice.Text != once.Text {
			t.Errorf("input %d: second compression changed the text", i)
		}
	}
}

func TestCompress_LongLinesClipped(t *testing.T) {
	c := New(Config{PassthroughChars: 100, MaxLines: 10, MaxLineChars: 64}, testLogger())
	d := c.Compress("read_file", "id", 0, "ok", strings.Repeat("z", 1000))
	if len(d.Text) > 64 {
		t.Errorf("clipped line is %d bytes", len(d.Text))
	}
	if !strings.HasSuffix(d.Text, "[...]") {
		t.Errorf("text = %q", d.Text)
	}
}

func TestCompress_EmptyOutput(t *testing.T) {
	c := New(DefaultConfig(), testLogger())
	d := c.Compress("port_scan", "id", 1, "failed", "")
	if d.Format != FormatPassthrough || d.TotalLines != 0 {
		t.Errorf("digest = %+v", d)
	}
	if !strings.HasSuffix(d.Render(), "(no output)") {
		t.Errorf("Render() = %q", d.Render())
	}
}

const nmapSample = `<?xml version="1.0" encoding="UTF-8"?>
<nmaprun scanner="nmap" args="nmap -oX - 10.10.10.5" start="1700000000" version="7.94" xmloutputversion="1.05">
<host starttime="1700000000" endtime="1700000010">
<status state="up" reason="syn-ack" reason_ttl="0"/>
<address addr="10.10.10.5" addrtype="ipv4"/>
<hostnames><hostname name="web.lab" type="PTR"/></hostnames>
<ports>
<port protocol="tcp" portid="22"><state state="open" reason="syn-ack" reason_ttl="64"/><service name="ssh" product="OpenSSH" version="8.9p1" method="probed" conf="10"/></port>
<port protocol="tcp" portid="80"><state state="open" reason="syn-ack" reason_ttl="64"/><service name="http" product="nginx" version="1.18.0" method="probed" conf="10"/></port>
<port protocol="tcp" portid="443"><state state="closed" reason="reset" reason_ttl="64"/><service name="https" method="table" conf="3"/></port>
</ports>
</host>
<runstats><finished time="1700000010" elapsed="10.00" summary="Nmap done: 1 IP address (1 host up) scanned in 10.00 seconds" exit="success"/><hosts up="1" down="0" total="1"/></runstats>
</nmaprun>
`

func TestParseNmapXML(t *testing.T) {
	got, ok := ParseNmapXML("Starting Nmap\n" + nmapSample)
	if !ok {
		t.Fatal("sample not recognized")
	}
	for _, want := range []string{
		"host 10.10.10.5 (web.lab): 2 open",
		"  22/tcp open ssh OpenSSH 8.9p1",
		"  80/tcp open http nginx 1.18.0",
		"Nmap done: 1 IP address",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("summary missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "443") {
		t.Errorf("closed port listed:\n%s", got)
	}
}

func TestParseNmapXML_NotXML(t *testing.T) {
	if _, ok := ParseNmapXML("PORT   STATE SERVICE\n22/tcp open  ssh\n"); ok {
		t.Error("plain text recognized as XML")
	}
}

func TestCompress_PortScanUsesParser(t *testing.T) {
	c := New(Config{PassthroughChars: 100, MaxLines: 10, MaxLineChars: 256}, testLogger())
	d := c.Compress("port_scan", "id", 0, "ok", nmapSample)
	if d.Format != FormatNmap {
		t.Fatalf("format = %s", d.Format)
	}
	if !strings.Contains(d.Text, "22/tcp open ssh") || !d.Truncated {
		t.Errorf("digest = %q truncated=%v", d.Text, d.Truncated)
	}

	d = c.Compress("port_scan", "id", 1, "failed", "nmap: command not found\n")
	if d.Format != FormatPassthrough {
		t.Errorf("unparseable output format = %s, want passthrough", d.Format)
	}
}

func TestCompress_SmallScanPassesThrough(t *testing.T) {
	c := New(DefaultConfig(), testLogger())
	d := c.Compress("port_scan", "id", 0, "ok", nmapSample)
	if d.Format != FormatPassthrough || d.Text != nmapSample || d.Truncated {
		t.Errorf("format = %s truncated = %v, want unchanged passthrough", d.Format, d.Truncated)
	}
}

const nucleiSample = `[INF] Current nuclei version: v3.1.0
{"template-id":"tech-detect","info":{"name":"Wappalyzer Technology Detection","severity":"info"},"host":"http://10.10.10.5","matched-at":"http://10.10.10.5","type":"http"}
{"template-id":"CVE-2021-41773","info":{"name":"Apache 2.4.49 Path Traversal","severity":"critical"},"host":"http://10.10.10.5","matched-at":"http://10.10.10.5/cgi-bin/.%2e/etc/passwd","type":"http","extracted-results":["root:x:0:0"]}
{"template-id":"missing-hsts","info":{"name":"HSTS Missing","severity":"low"},"host":"http://10.10.10.5","matched-at":"http://10.10.10.5","type":"http"}
`

func TestParseNucleiJSONL(t *testing.T) {
	got, ok := ParseNucleiJSONL(nucleiSample)
	if !ok {
		t.Fatal("sample not recognized")
	}
	lines := strings.Split(got, "\n")
	if lines[0] != "3 matches: critical=1 low=1 info=1" {
		t.Errorf("header = %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "[critical] CVE-2021-41773 ") || !strings.HasSuffix(lines[1], "[root:x:0:0]") {
		t.Errorf("most severe match not first: %q", lines[1])
	}
	if !strings.HasPrefix(lines[3], "[info] tech-detect") {
		t.Errorf("least severe match not last: %q", lines[3])
	}
}

func TestParseNucleiJSONL_NoMatches(t *testing.T) {
	if _, ok := ParseNucleiJSONL("[INF] No results found.\n"); ok {
		t.Error("banner-only output recognized as matches")
	}
}
