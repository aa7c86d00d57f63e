package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/dlclark/regexp2"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"magicscan/fingerprint"
)

const probesURL = "https://raw.githubusercontent.com/nmap/nmap/master/nmap-service-probes"

var errBinaryProbe = errors.New("payload is not valid UTF-8")

//用于更新指纹库: 把nmap-service-probes转换成fingerprint包读取的格式,加入makefile
func main() {
	source := pflag.StringP("source", "s", probesURL, "nmap-service-probes URL or local path")
	output := pflag.StringP("output", "o", "./fingerprint/fingerprint.json", "Output file, .yaml/.yml writes YAML") //默认根目录执行makefile,以执行目录为准
	pflag.Parse()

	r, err := openSource(*source)
	if err != nil {
		log.Fatal(err)
	}
	defer r.Close()

	fingerprints, err := convert(r)
	if err != nil {
		log.Fatal(err)
	}
	if err := write(*output, fingerprints); err != nil {
		log.Fatal(err)
	}
	for _, fp := range fingerprints {
		log.Infof("%s: %d 个探针", fp.Protocol, len(fp.Probes))
	}
}

func openSource(source string) (io.ReadCloser, error) {
	if !strings.HasPrefix(source, "http://") && !strings.HasPrefix(source, "https://") {
		return os.Open(source)
	}
	resp, err := http.Get(source)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: %s", source, resp.Status)
	}
	return resp.Body, nil
}

// convert 逐行读取, Probe开始一个新探针, 之后的match/softmatch都属于它.
// 解析失败的行只打印警告
func convert(r io.Reader) ([]fingerprint.Fingerprint, error) {
	byProtocol := make(map[string]*fingerprint.Fingerprint)
	var order []string
	var current *fingerprint.Probe

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == '#' {
			continue
		}

		directive, rest, _ := strings.Cut(line, " ")
		switch directive {
		case "Probe":
			protocol, probe, err := parseProbe(rest)
			if err != nil {
				log.Warnf("line %d: skip probe: %v", lineNo, err)
				current = nil
				continue
			}
			fp, ok := byProtocol[protocol]
			if !ok {
				fp = &fingerprint.Fingerprint{Protocol: protocol}
				byProtocol[protocol] = fp
				order = append(order, protocol)
			}
			fp.Probes = append(fp.Probes, probe)
			current = &fp.Probes[len(fp.Probes)-1]
		case "match", "softmatch":
			if current == nil {
				continue
			}
			match, err := parseMatch(rest, directive == "softmatch")
			if err != nil {
				log.Warnf("line %d: skip %s: %v", lineNo, directive, err)
				continue
			}
			current.Matches = append(current.Matches, match)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read probes: %w", err)
	}

	fingerprints := make([]fingerprint.Fingerprint, 0, len(order))
	for _, protocol := range order {
		fingerprints = append(fingerprints, *byProtocol[protocol])
	}
	return fingerprints, nil
}

// parseProbe: TCP GetRequest q|GET / HTTP/1.0\r\n\r\n|
func parseProbe(s string) (string, fingerprint.Probe, error) {
	protocol, rest, ok := strings.Cut(s, " ")
	if !ok {
		return "", fingerprint.Probe{}, fmt.Errorf("malformed probe %q", s)
	}
	name, rest, ok := strings.Cut(rest, " ")
	if !ok || !strings.HasPrefix(rest, "q") {
		return "", fingerprint.Probe{}, fmt.Errorf("malformed probe %q", s)
	}
	raw, _, err := delimited(rest[1:])
	if err != nil {
		return "", fingerprint.Probe{}, fmt.Errorf("probe %s: %w", name, err)
	}
	payload, err := unescape(raw)
	if err != nil {
		return "", fingerprint.Probe{}, fmt.Errorf("probe %s: %w", name, err)
	}
	if !utf8.ValidString(payload) {
		return "", fingerprint.Probe{}, fmt.Errorf("probe %s: %w", name, errBinaryProbe)
	}
	return protocol, fingerprint.Probe{Name: name, ProbeString: payload}, nil
}

// parseMatch: ssh m|^SSH-([\d.]+)-OpenSSH_([\w.]+)|i p/OpenSSH/ v/$2/ cpe:/a:openbsd:openssh:$2/
func parseMatch(s string, soft bool) (fingerprint.Match, error) {
	service, rest, ok := strings.Cut(s, " ")
	if !ok || !strings.HasPrefix(rest, "m") {
		return fingerprint.Match{}, fmt.Errorf("malformed match %q", s)
	}
	pattern, rest, err := delimited(rest[1:])
	if err != nil {
		return fingerprint.Match{}, fmt.Errorf("match %s: %w", service, err)
	}

	flags, rest, _ := strings.Cut(rest, " ")
	var opts string
	for _, f := range "is" {
		if strings.ContainsRune(flags, f) {
			opts += string(f)
		}
	}
	if opts != "" {
		pattern = "(?" + opts + ")" + pattern
	}
	if _, err := regexp2.Compile(pattern, regexp2.None); err != nil {
		return fingerprint.Match{}, fmt.Errorf("match %s: %w", service, err)
	}

	info, err := parseVersionInfo(rest)
	if err != nil {
		return fingerprint.Match{}, fmt.Errorf("match %s: %w", service, err)
	}
	return fingerprint.Match{
		Pattern:     pattern,
		Name:        service,
		Discontinue: !soft,
		VersionInfo: info,
	}, nil
}

// parseVersionInfo 解析 p/ v/ i/ h/ o/ d/ cpe:/ 字段, 一个字段都没有时返回nil
func parseVersionInfo(s string) (*fingerprint.VersionInfo, error) {
	info := &fingerprint.VersionInfo{}
	found := false
	for {
		s = strings.TrimLeft(s, " ")
		if s == "" {
			break
		}

		var key string
		if strings.HasPrefix(s, "cpe:") {
			key, s = "cpe", s[len("cpe:"):]
		} else {
			key, s = s[:1], s[1:]
		}
		value, rest, err := delimited(s)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", key, err)
		}
		s = rest

		switch key {
		case "p":
			info.VendorProductName = value
		case "v":
			info.Version = value
		case "i":
			info.Info = value
		case "h":
			info.HostName = value
		case "o":
			info.OperatingSystem = value
		case "d":
			info.DeviceType = value
		case "cpe":
			s = strings.TrimPrefix(s, "a")
			if info.CPEName == "" { //只保留第一个
				info.CPEName = "cpe:/" + value
			}
		default:
			return nil, fmt.Errorf("unknown field %q", key)
		}
		found = true
	}
	if !found {
		return nil, nil
	}
	return info, nil
}

// delimited 读取 <d>value<d>, 分隔符是第一个字符, 返回value和剩下的部分
func delimited(s string) (string, string, error) {
	if len(s) < 2 {
		return "", "", fmt.Errorf("missing delimiter in %q", s)
	}
	delim := s[0]
	end := strings.IndexByte(s[1:], delim)
	if end < 0 {
		return "", "", fmt.Errorf("unterminated %q", s)
	}
	return s[1 : 1+end], s[2+end:], nil
}

func unescape(s string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 == len(s) {
			b.WriteByte(c)
			continue
		}
		i++
		switch s[i] {
		case '0':
			b.WriteByte(0)
		case 'a':
			b.WriteByte('\a')
		case 'b':
			b.WriteByte('\b')
		case 'f':
			b.WriteByte('\f')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 't':
			b.WriteByte('\t')
		case 'v':
			b.WriteByte('\v')
		case 'x':
			if i+2 >= len(s) {
				return "", fmt.Errorf("short \\x escape in %q", s)
			}
			v, err := strconv.ParseUint(s[i+1:i+3], 16, 8)
			if err != nil {
				return "", fmt.Errorf("bad \\x escape in %q", s)
			}
			b.WriteByte(byte(v))
			i += 2
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String(), nil
}

func write(path string, fingerprints []fingerprint.Fingerprint) error {
	var (
		content []byte
		err     error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		content, err = yaml.Marshal(fingerprints)
	default:
		content, err = json.MarshalIndent(fingerprints, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("encode fingerprints: %w", err)
	}
	return os.WriteFile(path, content, 0o644)
}
