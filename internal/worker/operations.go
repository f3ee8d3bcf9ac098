package worker

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/armon/circbuf"

	"github.com/prologin/stechec-cluster/pkg/types"
)

// Paths locates the sandboxing scripts and stechec binaries the runner
// invokes.
type Paths struct {
	CompileScript string `yaml:"compile_script"`
	Makefiles     string `yaml:"makefiles"`
	StechecServer string `yaml:"stechec_server"`
	StechecClient string `yaml:"stechec_client"`
	Rules         string `yaml:"rules"`
	Dumper        string `yaml:"dumper"` // optional; empty disables replay dumps
}

// Runner executes the three job kinds. The production implementation
// shells out to the contest toolchain; tests substitute fakes.
type Runner interface {
	Compile(ctx context.Context, sources []byte) (artifact []byte, compileLog string, err error)
	RunServer(ctx context.Context, reqPort, subPort, playerCount int,
		options, fileOptions map[string]string) (scores []types.Score, dump []byte, err error)
	RunClient(ctx context.Context, serverHost string, reqPort, subPort int,
		matchPlayerID int64, champion []byte, options map[string]string) (exitCode int, output []byte, err error)
}

// Output caps. The client log keeps the tail of the stream with a
// marker once the ceiling is hit; the referee cap only guards against
// a runaway process, its score lines sit at the end of the stream.
const (
	clientOutputCap = 256 << 10
	serverOutputCap = 4 << 20

	truncateMarker = "\n\nLog truncated to stay below 256K.\n"
)

// scoreRe matches one referee verdict line: player id, score, stat.
var scoreRe = regexp.MustCompile(`^(\d+) (-?\d+) (-?\d+)$`)

// ErrRefereeTimeout reports that the referee hit its wall clock budget.
// Whatever scores and dump came out before the kill accompany it.
var ErrRefereeTimeout = errors.New("workernode: referee timed out")

type processRunner struct {
	paths Paths
}

// NewRunner builds the subprocess-backed Runner.
func NewRunner(paths Paths) Runner {
	return &processRunner{paths: paths}
}

// Compile unpacks the source archive into a scratch directory and runs
// the compile script. Exit 0 means champion-compiled.tar.gz exists; on
// failure the compilation log is the sole output. The log is produced
// on every path.
func (r *processRunner) Compile(ctx context.Context, sources []byte) ([]byte, string, error) {
	scratch, err := os.MkdirTemp("", "compile-")
	if err != nil {
		return nil, "", fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	if err := untar(sources, scratch); err != nil {
		return nil, "", fmt.Errorf("unpack sources: %w", err)
	}

	res := communicate(ctx, command{
		argv:   []string{r.paths.CompileScript, r.paths.Makefiles, scratch},
		maxOut: serverOutputCap,
	})

	compileLog := readFileOr(filepath.Join(scratch, "compilation.log"), res.output)
	if res.err != nil && !res.timedOut {
		return nil, compileLog, fmt.Errorf("run compile script: %w", res.err)
	}
	if res.timedOut || res.exitCode != 0 {
		// Failure: no artifact, the log tells the story.
		return nil, compileLog, nil
	}

	artifact, err := os.ReadFile(filepath.Join(scratch, "champion-compiled.tar.gz"))
	if err != nil {
		return nil, compileLog, fmt.Errorf("read compiled champion: %w", err)
	}
	return artifact, compileLog, nil
}

// RunServer spawns the referee and, when a dumper champion is
// configured, a spectator that records the replay. Both are awaited;
// the referee's stdout is the authoritative score stream.
func (r *processRunner) RunServer(ctx context.Context, reqPort, subPort, playerCount int,
	options, fileOptions map[string]string) ([]types.Score, []byte, error) {

	fileArgs, cleanup, err := materializeFileOptions(fileOptions)
	if err != nil {
		return nil, nil, err
	}
	defer cleanup()

	serverArgv := []string{r.paths.StechecServer,
		"--rules", r.paths.Rules,
		"--rep_addr", bindAddr(reqPort),
		"--pub_addr", bindAddr(subPort),
		// one spectator on top of the players
		"--nb_clients", strconv.Itoa(playerCount + 1),
		"--time", "3000",
		"--socket_timeout", "45000",
		"--verbose", "1",
	}
	serverArgv = append(serverArgv, flattenOptions(options)...)
	serverArgv = append(serverArgv, fileArgs...)

	var (
		wg        sync.WaitGroup
		serverRes result
		dump      []byte
		dumpErr   error
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		serverRes = communicate(ctx, command{argv: serverArgv, maxOut: serverOutputCap})
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		dump, dumpErr = r.runDumper(ctx, reqPort, subPort, options, fileArgs)
	}()

	wg.Wait()

	if serverRes.err != nil && !serverRes.timedOut {
		return nil, nil, fmt.Errorf("run referee: %w", serverRes.err)
	}
	if dumpErr != nil {
		log.Warn("dumper failed, match dump lost", "error", dumpErr)
	}
	if serverRes.timedOut {
		return parseScores(serverRes.output), dump, ErrRefereeTimeout
	}
	return parseScores(serverRes.output), dump, nil
}

// runDumper runs the spectator client with DUMP_PATH pointed at a
// scratch file and returns the gzipped dump. Even after a dumper
// timeout a dump might be available; at worst it is empty.
func (r *processRunner) runDumper(ctx context.Context, reqPort, subPort int,
	options map[string]string, fileArgs []string) ([]byte, error) {

	if r.paths.Dumper == "" {
		return nil, nil
	}
	if _, err := os.Stat(r.paths.Dumper); err != nil {
		return nil, fmt.Errorf("dumper champion: %w", err)
	}

	dumpFile, err := os.CreateTemp("", "dump-")
	if err != nil {
		return nil, fmt.Errorf("create dump file: %w", err)
	}
	dumpPath := dumpFile.Name()
	dumpFile.Close()
	defer os.Remove(dumpPath)

	argv := []string{r.paths.StechecClient,
		"--name", "dumper",
		"--rules", r.paths.Rules,
		"--champion", r.paths.Dumper,
		"--req_addr", connectAddr("127.0.0.1", reqPort),
		"--sub_addr", connectAddr("127.0.0.1", subPort),
		"--memory", "250000",
		"--time", "3000",
		"--socket_timeout", "45000",
		"--spectator",
		"--verbose", "1",
	}
	argv = append(argv, flattenOptions(options)...)
	argv = append(argv, fileArgs...)

	res := communicate(ctx, command{
		argv:   argv,
		maxOut: serverOutputCap,
		env:    []string{"DUMP_PATH=" + dumpPath},
	})
	if res.err != nil && !res.timedOut {
		return nil, res.err
	}

	raw, err := os.ReadFile(dumpPath)
	if err != nil {
		return nil, fmt.Errorf("read dump: %w", err)
	}
	return gzipBytes(raw)
}

// RunClient unpacks the compiled champion and runs it against the
// referee. Stdout is capped at 256 KiB with a visible marker.
func (r *processRunner) RunClient(ctx context.Context, serverHost string, reqPort, subPort int,
	matchPlayerID int64, champion []byte, options map[string]string) (int, []byte, error) {

	scratch, err := os.MkdirTemp("", "client-")
	if err != nil {
		return 0, nil, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	if err := untar(champion, scratch); err != nil {
		return 0, nil, fmt.Errorf("unpack champion: %w", err)
	}

	argv := []string{r.paths.StechecClient,
		"--name", strconv.FormatInt(matchPlayerID, 10),
		"--rules", r.paths.Rules,
		"--champion", filepath.Join(scratch, "champion.so"),
		"--req_addr", connectAddr(serverHost, reqPort),
		"--sub_addr", connectAddr(serverHost, subPort),
		"--memory", "250000",
		"--socket_timeout", "45000",
		"--time", "1500",
		"--verbose", "1",
	}
	argv = append(argv, flattenOptions(options)...)

	res := communicate(ctx, command{
		argv:   argv,
		maxOut: clientOutputCap,
		mark:   truncateMarker,
		env:    []string{"CHAMPION_PATH=" + scratch + string(os.PathSeparator)},
	})
	if res.timedOut {
		return 1, []byte("workernode: client timeout"), nil
	}
	if res.err != nil {
		return 0, nil, fmt.Errorf("run client: %w", res.err)
	}
	return res.exitCode, res.output, nil
}

type command struct {
	argv   []string
	maxOut int64
	mark   string   // appended when output overflowed maxOut
	env    []string // appended to the inherited environment
}

type result struct {
	exitCode int
	output   []byte
	timedOut bool
	err      error
}

// communicate runs argv with stdout and stderr merged into a capped
// ring buffer, bounded by ctx. Deadline expiry kills the process and
// is reported through timedOut rather than err.
func communicate(ctx context.Context, c command) result {
	buf, _ := circbuf.NewBuffer(c.maxOut)

	cmd := exec.CommandContext(ctx, c.argv[0], c.argv[1:]...)
	cmd.Stdout = buf
	cmd.Stderr = buf
	if len(c.env) > 0 {
		cmd.Env = append(os.Environ(), c.env...)
	}

	err := cmd.Run()
	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)

	out := buf.Bytes()
	if c.mark != "" && buf.TotalWritten() > buf.Size() {
		out = append(out, []byte(c.mark)...)
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return result{exitCode: 0, output: out}
	case timedOut:
		return result{exitCode: -1, output: out, timedOut: true}
	case errors.As(err, &exitErr):
		return result{exitCode: exitErr.ExitCode(), output: out}
	default:
		return result{output: out, err: err}
	}
}

// parseScores extracts (player, score) pairs from the referee stdout,
// silently ignoring every non-matching line.
func parseScores(stdout []byte) []types.Score {
	var scores []types.Score
	for _, line := range strings.Split(string(stdout), "\n") {
		m := scoreRe.FindStringSubmatch(strings.TrimRight(line, "\r"))
		if m == nil {
			continue
		}
		pid, err1 := strconv.ParseInt(m[1], 10, 64)
		sc, err2 := strconv.Atoi(m[2])
		if err1 != nil || err2 != nil {
			continue
		}
		scores = append(scores, types.Score{MatchPlayerID: pid, Score: sc})
	}
	return scores
}

// flattenOptions turns an option map into deterministic argv pairs.
func flattenOptions(options map[string]string) []string {
	keys := make([]string, 0, len(options))
	for k := range options {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		out = append(out, k, options[k])
	}
	return out
}

// materializeFileOptions writes each base64 value to a scratch file and
// returns the flag/path argv pairs plus a cleanup for the files.
func materializeFileOptions(fileOptions map[string]string) ([]string, func(), error) {
	keys := make([]string, 0, len(fileOptions))
	for k := range fileOptions {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var args []string
	var files []string
	cleanup := func() {
		for _, f := range files {
			os.Remove(f)
		}
	}

	for _, k := range keys {
		content, err := base64.StdEncoding.DecodeString(fileOptions[k])
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("decode file option %s: %w", k, err)
		}
		f, err := os.CreateTemp("", "fileopt-")
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("create file option: %w", err)
		}
		if _, err := f.Write(content); err != nil {
			f.Close()
			cleanup()
			return nil, nil, fmt.Errorf("write file option %s: %w", k, err)
		}
		f.Close()
		files = append(files, f.Name())
		args = append(args, k, f.Name())
	}
	return args, cleanup, nil
}

// untar extracts a gzipped tar archive into dir, refusing entries that
// escape it.
func untar(content []byte, dir string) error {
	gz, err := gzip.NewReader(bytes.NewReader(content))
	if err != nil {
		return fmt.Errorf("open gzip: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}

		target := filepath.Join(dir, filepath.Clean(hdr.Name))
		if !strings.HasPrefix(target, filepath.Clean(dir)+string(os.PathSeparator)) &&
			target != filepath.Clean(dir) {
			return fmt.Errorf("tar entry escapes archive: %s", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC,
				os.FileMode(hdr.Mode)&0o777)
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			f.Close()
		default:
			// symlinks and specials have no business in a champion archive
		}
	}
}

func gzipBytes(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(raw); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func readFileOr(path string, fallback []byte) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return string(fallback)
	}
	return string(data)
}

func bindAddr(port int) string {
	return fmt.Sprintf("tcp://0.0.0.0:%d", port)
}

func connectAddr(host string, port int) string {
	return fmt.Sprintf("tcp://%s:%d", host, port)
}
