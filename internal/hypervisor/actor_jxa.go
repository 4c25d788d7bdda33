package hypervisor

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"
)

// jxaArrayHelper is the JavaScript-for-Automation helper source (array and
// findVM, for walking UTM's virtual machine list), ported from the Script
// block in impl_utm_backend.rs. Each exported function below shells out to
// `osascript -l JavaScript` with this helper prepended, rather than linking
// an osakit-equivalent scripting bridge: Go has no ecosystem equivalent of
// osakit, and osascript is the same automation surface that library calls
// into.
const jxaArrayHelper = `
function array(xs) {
	const result = [];
	for (var i in xs) { result.push(xs[i]); }
	return result;
}
function findVM(utm, name) {
	return array(utm.virtualMachines).find(vm => vm.name() == name);
}
`

func runOsascriptJS(script string, args ...string) (string, error) {
	cmdArgs := append([]string{"-l", "JavaScript", "-e", jxaArrayHelper + script}, args...)
	cmd := exec.Command("osascript", cmdArgs...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("hypervisor: osascript failed: %w (stderr: %s)", err, bytes.TrimSpace(stderr.Bytes()))
	}
	return strings.TrimRight(stdout.String(), "\n"), nil
}

func runJXAList() ([]string, error) {
	out, err := runOsascriptJS(`
		const utm = Application("UTM");
		array(utm.virtualMachines).map(vm => vm.name()).join("\n");
	`)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

func runJXAStatus(guestName string) (string, error) {
	return runOsascriptJS(fmt.Sprintf(`
		const utm = Application("UTM");
		const vm = findVM(utm, %q);
		vm.status();
	`, guestName))
}

func runJXAStart(guestName string) error {
	_, err := runOsascriptJS(fmt.Sprintf(`
		const utm = Application("UTM");
		const vm = findVM(utm, %q);
		vm.start();
	`, guestName))
	return err
}

func runJXADelete(guestName string) error {
	_, err := runOsascriptJS(fmt.Sprintf(`
		const utm = Application("UTM");
		const vm = findVM(utm, %q);
		if (vm) { vm.delete(); }
	`, guestName))
	return err
}

// runJXADefine clones fromTemplate into guestName. cdroms is accepted for
// interface symmetry with LibvirtAdapter.DefineGuest but is ignored: UTM
// guest media is configured on the template itself, matching clone_guest
// in impl_utm_backend.rs having no media parameter.
func runJXADefine(fromTemplate, guestName string, _ []CdromImage) error {
	_, err := runOsascriptJS(fmt.Sprintf(`
		const utm = Application("UTM");
		const vm = findVM(utm, %q);
		vm.duplicate({properties: {configuration: {name: %q}}});
	`, fromTemplate, guestName))
	return err
}

func runJXARename(oldName, newName string) error {
	_, err := runOsascriptJS(fmt.Sprintf(`
		const utm = Application("UTM");
		const vm = findVM(utm, %q);
		const config = vm.configuration();
		config.name = %q;
		vm.updateConfiguration(config);
	`, oldName, newName))
	return err
}
