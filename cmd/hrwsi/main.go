// Command hrwsi runs the production system services: the catalogue
// harvester, the triggerer, the orchestrator and the per-flavour launchers,
// plus the database migrations.
package main

import (
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
)

func main() {
	parser := flags.NewParser(nil, flags.HelpFlag|flags.PassDoubleDash)

	serve, err := parser.Command.AddCommand("serve", "Serve a production system service", "", &struct{}{})
	if err != nil {
		log.WithError(err).Fatal("registering serve command")
	}

	_, _ = serve.AddCommand("harvester", "Serve the catalogue harvester", `
Poll the external catalogue for new raw inputs and insert them into the
database, until signaled to exit (via SIGTERM).
`, &cmdHarvester{})

	_, _ = serve.AddCommand("triggerer", "Serve the triggerer", `
Turn harvested raw inputs into trigger validations, applying the per-routine
triggering conditions, until signaled to exit (via SIGTERM).
`, &cmdTriggerer{})

	_, _ = serve.AddCommand("orchestrator", "Serve the orchestrator", `
Materialize trigger validations as processing tasks, until signaled to exit
(via SIGTERM).
`, &cmdOrchestrator{})

	_, _ = serve.AddCommand("launcher", "Serve an NRT launcher", `
Dispatch the processing tasks of one routine flavour as Nomad batch jobs,
with the undispatched, in-error and lost-job recovery loops, until signaled
to exit (via SIGTERM).
`, &cmdLauncher{})

	_, _ = serve.AddCommand("archive-launcher", "Serve an archive launcher", `
Drain the back-fill production of one routine flavour oldest-first, until
signaled to exit (via SIGTERM).
`, &cmdArchiveLauncher{})

	_, _ = parser.AddCommand("migrate", "Apply database migrations", `
Apply the pending schema migrations and exit.
`, &cmdMigrate{})

	if _, err := parser.Parse(); err != nil {
		if fe, ok := err.(*flags.Error); ok && fe.Type == flags.ErrHelp {
			fmt.Println(err)
			os.Exit(0)
		}
		log.Fatal(err)
	}
}
