// Package detect implements the tech stack detector (C3): an ordered
// sequence of per-stack probes over a workspace directory. Grounded on the
// teacher's pkg/commands/features.go Feature-enum idea of a capability set,
// generalized per spec.md §9's redesign note turning "duck-typed adapters"
// into an explicit canHandle/detect capability registry ordered by
// priority.
package detect

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
)

// Result is what a probe returns when it recognizes a workspace.
type Result struct {
	Stack          string `json:"stack"`
	LaunchCommand  string `json:"launchCommand"`
	DefaultPort    int    `json:"defaultPort"`
	FrameworkTag   string `json:"frameworkTag"`
}

// Probe answers whether a workspace matches a given stack and, if so, how
// to launch it.
type Probe interface {
	Stack() string
	CanHandle(workspace string) bool
	Detect(workspace string) (Result, error)
}

// Detector runs an ordered, total sequence of probes; the first match
// wins. It never mutates the workspace.
type Detector struct {
	probes []Probe
}

// New returns a Detector with the default probe order: node, python, php,
// then the fallback layer (ruby, go, rust, java, dotnet, static).
func New() *Detector {
	return &Detector{
		probes: []Probe{
			nodeProbe{},
			pythonProbe{},
			phpProbe{},
			rubyProbe{},
			goProbe{},
			rustProbe{},
			javaProbe{},
			dotnetProbe{},
			staticProbe{},
		},
	}
}

// Detect runs each probe in order over workspace and returns the first
// match.
func (d *Detector) Detect(workspace string) (Result, bool, error) {
	for _, p := range d.probes {
		if !p.CanHandle(workspace) {
			continue
		}
		res, err := p.Detect(workspace)
		if err != nil {
			return Result{}, false, err
		}
		return res, true, nil
	}
	return Result{}, false, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func readJSONFile(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// --- node ---

type packageJSON struct {
	Scripts map[string]string `json:"scripts"`
}

type nodeProbe struct{}

func (nodeProbe) Stack() string { return "node" }

func (nodeProbe) CanHandle(workspace string) bool {
	return fileExists(filepath.Join(workspace, "package.json"))
}

func (nodeProbe) Detect(workspace string) (Result, error) {
	var pkg packageJSON
	if err := readJSONFile(filepath.Join(workspace, "package.json"), &pkg); err != nil {
		return Result{}, err
	}

	script, ok := pkg.Scripts["dev"]
	if !ok {
		script, ok = pkg.Scripts["start"]
	}
	if !ok {
		script = "node index.js"
	}

	launch := "npm run dev"
	if _, hasDev := pkg.Scripts["dev"]; !hasDev {
		launch = "npm start"
	}

	port := 3000
	if p, ok := detectPort(script); ok {
		port = p
	}

	framework := "node"
	if isViteScript(script) {
		framework = "vite"
	}

	return Result{Stack: "node", LaunchCommand: launch, DefaultPort: port, FrameworkTag: framework}, nil
}

func isViteScript(script string) bool {
	return regexp.MustCompile(`(?i)vite`).MatchString(script)
}

// --- python ---

type pythonProbe struct{}

func (pythonProbe) Stack() string { return "python" }

func (pythonProbe) CanHandle(workspace string) bool {
	return fileExists(filepath.Join(workspace, "requirements.txt")) ||
		fileExists(filepath.Join(workspace, "pyproject.toml")) ||
		fileExists(filepath.Join(workspace, "app.py"))
}

func (pythonProbe) Detect(workspace string) (Result, error) {
	launch := "python app.py"
	if fileExists(filepath.Join(workspace, "manage.py")) {
		launch = "python manage.py runserver 0.0.0.0:5000"
	}
	port := 5000
	if p, ok := detectPort(launch); ok {
		port = p
	}
	return Result{Stack: "python", LaunchCommand: launch, DefaultPort: port, FrameworkTag: "python"}, nil
}

// --- php ---

type phpProbe struct{}

func (phpProbe) Stack() string { return "php" }

func (phpProbe) CanHandle(workspace string) bool {
	return fileExists(filepath.Join(workspace, "composer.json")) ||
		fileExists(filepath.Join(workspace, "index.php"))
}

func (phpProbe) Detect(workspace string) (Result, error) {
	launch := "php -S 0.0.0.0:8080"
	return Result{Stack: "php", LaunchCommand: launch, DefaultPort: 8080, FrameworkTag: "php"}, nil
}

// --- fallback layer ---

type rubyProbe struct{}

func (rubyProbe) Stack() string { return "ruby" }

func (rubyProbe) CanHandle(workspace string) bool {
	return fileExists(filepath.Join(workspace, "Gemfile"))
}

func (rubyProbe) Detect(workspace string) (Result, error) {
	framework := "plain"
	launch := "ruby app.rb"
	switch {
	case fileExists(filepath.Join(workspace, "config.ru")):
		framework = "rack"
		launch = "rackup -o 0.0.0.0 -p 4000"
	case fileExists(filepath.Join(workspace, "config", "application.rb")):
		framework = "rails"
		launch = "rails server -b 0.0.0.0 -p 4000"
	}
	return Result{Stack: "ruby", LaunchCommand: launch, DefaultPort: 4000, FrameworkTag: framework}, nil
}

type goProbe struct{}

func (goProbe) Stack() string { return "go" }

func (goProbe) CanHandle(workspace string) bool {
	return fileExists(filepath.Join(workspace, "go.mod"))
}

func (goProbe) Detect(workspace string) (Result, error) {
	return Result{Stack: "go", LaunchCommand: "go run .", DefaultPort: 4000, FrameworkTag: "go"}, nil
}

type rustProbe struct{}

func (rustProbe) Stack() string { return "rust" }

func (rustProbe) CanHandle(workspace string) bool {
	return fileExists(filepath.Join(workspace, "Cargo.toml"))
}

func (rustProbe) Detect(workspace string) (Result, error) {
	return Result{Stack: "rust", LaunchCommand: "cargo run", DefaultPort: 4000, FrameworkTag: "rust"}, nil
}

type javaProbe struct{}

func (javaProbe) Stack() string { return "java" }

func (javaProbe) CanHandle(workspace string) bool {
	return fileExists(filepath.Join(workspace, "pom.xml")) ||
		fileExists(filepath.Join(workspace, "build.gradle")) ||
		fileExists(filepath.Join(workspace, "build.gradle.kts"))
}

func (javaProbe) Detect(workspace string) (Result, error) {
	framework := "maven"
	launch := "mvn spring-boot:run"
	if fileExists(filepath.Join(workspace, "build.gradle")) || fileExists(filepath.Join(workspace, "build.gradle.kts")) {
		framework = "gradle"
		launch = "gradle bootRun"
	}
	return Result{Stack: "java", LaunchCommand: launch, DefaultPort: 4000, FrameworkTag: framework}, nil
}

type dotnetProbe struct{}

func (dotnetProbe) Stack() string { return "dotnet" }

func (dotnetProbe) CanHandle(workspace string) bool {
	matches, _ := filepath.Glob(filepath.Join(workspace, "*.csproj"))
	return len(matches) > 0
}

func (dotnetProbe) Detect(workspace string) (Result, error) {
	return Result{Stack: "dotnet", LaunchCommand: "dotnet run", DefaultPort: 4000, FrameworkTag: "dotnet"}, nil
}

type staticProbe struct{}

func (staticProbe) Stack() string { return "static" }

func (staticProbe) CanHandle(workspace string) bool {
	return fileExists(filepath.Join(workspace, "index.html"))
}

func (staticProbe) Detect(workspace string) (Result, error) {
	return Result{Stack: "static", LaunchCommand: "python -m http.server 4000", DefaultPort: 4000, FrameworkTag: "static"}, nil
}

var portPatterns = []*regexp.Regexp{
	regexp.MustCompile(`--port[ =](\d+)`),
	regexp.MustCompile(`PORT=(\d+)`),
	regexp.MustCompile(`:(\d{2,5})\b`),
}

// detectPort extracts a port number from a launch script, matching
// --port N, PORT=N, or :N forms, in that priority order.
func detectPort(script string) (int, bool) {
	for _, re := range portPatterns {
		if m := re.FindStringSubmatch(script); m != nil {
			if port, err := strconv.Atoi(m[1]); err == nil {
				return port, true
			}
		}
	}
	return 0, false
}
