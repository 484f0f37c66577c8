package cmd

import (
	"fmt"
)

const banner = `
  _____                 _____
 |_   _|               / ____|   /\
   | |  _ __ ___  _ __| |       /  \
   | | | '__/ _ \| '_ \ |      / /\ \
  _| |_| | | (_) | | | | |____/ ____ \
 |_____|_|  \___/|_| |_|\_____/_/    \_\

`

func printBanner(service string) {
	fmt.Printf("\x1b[34m%s\x1b[0m", banner)
	fmt.Printf("\x1b[32m  OpenVPN Certificate Authority - %s - Version %s\x1b[0m\n\n", service, Version)
}
