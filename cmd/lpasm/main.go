package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/brahma-adshonor/livepatch"
	"github.com/brahma-adshonor/livepatch/asm"
)

const (
	archArg         = "a"
	pcArg           = "pc"
	disassembleArg  = "d"
	outputFormatArg = "o"
	helpArg         = "h"

	hexFormat    = "hex"
	goFormat     = "go"
	prettyFormat = "pretty"

	appName = "lpasm"
	usage   = appName + `
Assembles patch payloads into hex, or disassembles hex payloads. Input is
taken from the command line arguments or, when there are none, from stdin.
Statements are separated by newlines or ';'.

USAGE
  ` + appName + ` [options] [source]

EXAMPLES
  Assemble a "return true" patch:
    $ ` + appName + ` -` + archArg + ` arm64 'mov w0, #1; ret'
    20008052C0035FD6

  Assemble a branch at its final address:
    $ ` + appName + ` -` + archArg + ` arm64 -` + pcArg + ` 0x1a2b3c 'b 0x1a2c00'
    31000014

  Disassemble a payload:
    $ ` + appName + ` -` + disassembleArg + ` -` + archArg + ` arm64 20008052C0035FD6
    0x0: mov w0, #0x1
    0x4: ret

OPTIONS
`
)

func main() {
	log.SetFlags(0)

	err := mainWithError()
	if err != nil {
		log.Fatalln("fatal:", err)
	}
}

func mainWithError() error {
	help := flag.Bool(
		helpArg,
		false,
		"Display this information")

	archName := flag.String(
		archArg,
		asm.Native().String(),
		"The instruction set (arm64, x86_64, and for -d also arm and x86)")

	pc := flag.Uint64(
		pcArg,
		0,
		"The address the code is placed at")

	disassemble := flag.Bool(
		disassembleArg,
		false,
		"Disassemble hex input instead of assembling")

	outputFormat := flag.String(
		outputFormatArg,
		"",
		"The output format ('"+hexFormat+"', '"+goFormat+"', '"+prettyFormat+"')")

	flag.Parse()

	if *help {
		os.Stderr.WriteString(usage)
		flag.PrintDefaults()
		os.Exit(1)
	}

	arch, err := asm.ParseArch(*archName)
	if err != nil {
		return err
	}

	input, err := readInput()
	if err != nil {
		return err
	}

	var code []byte
	if *disassemble {
		code, err = livepatch.DecodeHex(cleanHex(input))
		if err != nil {
			return errors.Wrap(err, "failed to decode hex input")
		}
		if *outputFormat == "" {
			*outputFormat = prettyFormat
		}
	} else {
		code, err = asm.Assemble(arch, input, *pc)
		if err != nil {
			return errors.Wrapf(err, "failed to assemble for %s", arch)
		}
		if *outputFormat == "" {
			*outputFormat = hexFormat
		}
	}

	output := bytes.NewBuffer(nil)

	switch *outputFormat {
	case hexFormat:
		output.WriteString(livepatch.EncodeHex(code) + "\n")
	case prettyFormat, goFormat:
		insts, err := asm.Disassemble(arch, code, *pc)
		if err != nil {
			return errors.Wrapf(err, "failed to disassemble for %s", arch)
		}
		if *outputFormat == prettyFormat {
			writePretty(output, insts)
		} else {
			writeGoBytes(output, insts)
		}
	default:
		return errors.Errorf("unsupported output format: %q", *outputFormat)
	}

	_, err = io.Copy(os.Stdout, output)
	return err
}

func readInput() (string, error) {
	if flag.NArg() > 0 {
		return strings.Join(flag.Args(), "\n"), nil
	}

	b, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", errors.Wrap(err, "failed to read stdin")
	}
	return string(b), nil
}

// cleanHex accepts "C0035FD6", "C0 03 5F D6" and "\xc0\x03\x5f\xd6".
func cleanHex(s string) string {
	s = strings.ReplaceAll(s, `\x`, "")
	s = strings.ReplaceAll(s, "0x", "")
	s = strings.ReplaceAll(s, ",", " ")
	return strings.ToUpper(strings.Join(strings.Fields(s), ""))
}

func writePretty(w io.Writer, insts []asm.Inst) {
	for _, inst := range insts {
		fmt.Fprintf(w, "0x%x: %s\n", inst.PC, inst.Text)
	}
}

func writeGoBytes(w io.Writer, insts []asm.Inst) {
	fmt.Fprintln(w, "[]byte{")
	for _, inst := range insts {
		fmt.Fprint(w, "\t")
		for _, b := range inst.Bytes {
			fmt.Fprintf(w, "0x%02x, ", b)
		}
		fmt.Fprintf(w, "// %s\n", inst.Text)
	}
	fmt.Fprintln(w, "}")
}
