package scan

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/luccadibe/wpfleet/internal/models"
	"github.com/luccadibe/wpfleet/internal/wpcli"
)

const probeScript = `<?php echo json_encode(['version' => PHP_VERSION, 'memory_limit' => ini_get('memory_limit')]); ?>`

var (
	cpanelAccountRoot = regexp.MustCompile(`^/home[^/]*/[^/]+`)
	pleskAccountRoot  = regexp.MustCompile(`^/var/www/vhosts/[^/]+`)
)

// searchRoot is where installations of platform live. The cPanel root is a
// glob and is left unquoted so the remote shell expands it.
func searchRoot(platform models.Platform) string {
	if platform == models.PlatformPlesk {
		return "/var/www/vhosts/"
	}
	return "/home*/"
}

func findCommand(platform models.Platform) string {
	return "find " + searchRoot(platform) +
		` -xdev \( -type d \( -name ".*" -o -name "cache" -o -name "node_modules" -o -name "vendor" -o -name "tmp" -o -name "logs" \) -prune \) -o -name "wp-config.php" -type f -print`
}

// candidateDirs turns find output into installation directories, dropping
// blanks and duplicates.
func candidateDirs(output string) []string {
	seen := make(map[string]struct{})
	var dirs []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		dir := strings.TrimSuffix(line, "/wp-config.php")
		if _, ok := seen[dir]; ok {
			continue
		}
		seen[dir] = struct{}{}
		dirs = append(dirs, dir)
	}
	return dirs
}

func validateCommand(dir string) string {
	q := func(p string) string { return wpcli.ShellEscape(dir + "/" + p) }
	return fmt.Sprintf(`test -d %s && test -d %s && test -d %s && test -f %s && echo "valid" || echo "invalid"`,
		q("wp-admin"), q("wp-content"), q("wp-includes"), q("wp-login.php"))
}

// accountRoot is the per-account directory whose owner runs the site.
func accountRoot(platform models.Platform, dir string) (string, error) {
	re := cpanelAccountRoot
	if platform == models.PlatformPlesk {
		re = pleskAccountRoot
	}
	root := re.FindString(dir)
	if root == "" {
		return "", fmt.Errorf("path %s is outside the %s account layout", dir, platform)
	}
	return root, nil
}

func ownerCommand(root string) string {
	return "stat -c '%U' " + wpcli.ShellEscape(root)
}

// mainFilesCommand prints "<slug>/<file>.php" for every plugin directory
// whose slug.php, or failing that first root-level PHP file, carries a
// Plugin Name header.
func mainFilesCommand(dir string) string {
	return `cd ` + wpcli.ShellEscape(dir+"/wp-content/plugins") + ` 2>/dev/null || exit 0; ` +
		`for d in */; do s="${d%/}"; ` +
		`if [ -f "$s/$s.php" ] && head -100 "$s/$s.php" 2>/dev/null | grep -qi "Plugin Name:"; then echo "$s/$s.php"; continue; fi; ` +
		`for f in "$s"/*.php; do if [ -f "$f" ] && head -100 "$f" 2>/dev/null | grep -qi "Plugin Name:"; then echo "$f"; break; fi; done; ` +
		`done`
}

func parseMainFiles(output string) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		slug, _, ok := strings.Cut(line, "/")
		if !ok || slug == "" || !strings.HasSuffix(line, ".php") {
			continue
		}
		if _, dup := out[slug]; !dup {
			out[slug] = line
		}
	}
	return out
}

// probeCommands returns the command that writes the probe file and fetches it
// through the site's own URL pinned to localhost, and the command that removes it.
func probeCommands(dir, siteURL, name string) (fetch, cleanup string, err error) {
	u, err := url.Parse(strings.TrimSpace(siteURL))
	if err != nil {
		return "", "", fmt.Errorf("parse site url: %w", err)
	}
	host := u.Hostname()
	if host == "" {
		return "", "", errors.New("site url has no host")
	}
	file := wpcli.ShellEscape(dir + "/" + name)
	target := strings.TrimRight(siteURL, "/") + "/" + name
	fetch = "printf '%s' " + wpcli.ShellEscape(probeScript) + " > " + file + " && chmod 644 " + file +
		" && curl -sS -k --max-time 20" +
		" --resolve " + wpcli.ShellEscape(host+":443:127.0.0.1") +
		" --resolve " + wpcli.ShellEscape(host+":80:127.0.0.1") +
		" " + wpcli.ShellEscape(target)
	return fetch, "rm -f " + file, nil
}
