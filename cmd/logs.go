package cmd

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"strconv"

	"github.com/jcdickinson/rsimpl/internal/config"
	"github.com/spf13/cobra"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "View the daemon log",
	Run:   runLogs,
}

var (
	logsFollow bool
	logsLines  int
	logsPath   bool
)

func init() {
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "follow log output")
	logsCmd.Flags().IntVarP(&logsLines, "lines", "n", 50, "number of lines to show")
	logsCmd.Flags().BoolVar(&logsPath, "path", false, "print the log file location and exit")
}

func runLogs(cmd *cobra.Command, args []string) {
	logPath := config.LogPath()
	if logsPath {
		fmt.Println(logPath)
		return
	}
	if _, err := os.Stat(logPath); os.IsNotExist(err) {
		fmt.Println("no daemon log yet")
		return
	}

	tailArgs := []string{"-n", strconv.Itoa(logsLines)}
	if logsFollow {
		tailArgs = append(tailArgs, "-f")
	}
	tailCmd := exec.Command("tail", append(tailArgs, logPath)...)
	tailCmd.Stdout = os.Stdout
	tailCmd.Stderr = os.Stderr

	if err := tailCmd.Run(); err != nil {
		log.Fatalf("tail failed: %v", err)
	}
}
