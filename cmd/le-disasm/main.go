package main

import (
	"fmt"
	"io"
	"os"

	"github.com/kr/pretty"
	cli "github.com/urfave/cli/v2"

	ledisasm "github.com/zedingCZ/le-disasm"
)

func infoCmd(c *cli.Context) error {
	args := c.Args()
	if args.Len() < 1 {
		return cli.Exit("Insufficient arguments", 1)
	}

	f, err := os.Open(args.First())
	if err != nil {
		return cli.Exit(err, 1)
	}
	defer f.Close()

	le, err := ledisasm.LoadLinearExecutable(f)
	if err != nil {
		return cli.Exit(err, 1)
	}

	pretty.Println(le.Header)

	fmt.Println("\nObject BaseAddr VirtSize Flags    Pages")
	for i, obj := range le.Objects {
		exec := " "
		if obj.Flags&ledisasm.ObjectExecutable != 0 {
			exec = "x"
		}
		fmt.Printf("%6d %08X %08X %08X %s %5d\n",
			i, obj.BaseAddress, obj.VirtualSize, obj.Flags, exec, obj.PageCount)
	}

	if c.Bool("fixups") {
		fmt.Println("\nObject Fixups")
		for i, fixups := range le.Fixups {
			fmt.Printf("%6d %6d\n", i, len(fixups))
		}
	}

	return nil
}

func disasmCmd(c *cli.Context) error {
	args := c.Args()
	if args.Len() < 1 {
		return cli.Exit("Insufficient arguments", 1)
	}

	if c.Bool("quiet") {
		ledisasm.SetDiagnostics(io.Discard)
	}

	f, err := os.Open(args.First())
	if err != nil {
		return cli.Exit(err, 1)
	}
	defer f.Close()

	le, err := ledisasm.LoadLinearExecutable(f)
	if err != nil {
		return cli.Exit(err, 1)
	}

	image, err := ledisasm.BuildImage(f, le)
	if err != nil {
		return cli.Exit(err, 1)
	}

	anal := ledisasm.NewAnalyser(le, image)
	if err := anal.Run(); err != nil {
		return cli.Exit(err, 1)
	}

	out := os.Stdout
	if name := c.String("out"); name != "" {
		out, err = os.Create(name)
		if err != nil {
			return cli.Exit(err, 1)
		}
		defer out.Close()
	}

	printer := ledisasm.NewPrinter(le, image, anal)
	if err := printer.Print(out); err != nil {
		return cli.Exit(err, 1)
	}

	return nil
}

func main() {
	app := cli.NewApp()
	app.Name = "le-disasm"
	app.Usage = "Static disassembler for 32-bit Linear Executable (LE/LX) binaries"
	app.Action = func(c *cli.Context) error {
		cli.ShowAppHelp(c)
		return nil
	}
	app.Commands = []*cli.Command{
		{
			Name:      "info",
			Aliases:   []string{"i"},
			Usage:     "Show the LE/LX header and object table",
			ArgsUsage: "file",
			Action:    infoCmd,
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:  "fixups",
					Usage: "include per-object fixup counts",
				},
			},
		},
		{
			Name:      "disasm",
			Aliases:   []string{"d"},
			Usage:     "Disassemble a file to a GNU assembler listing",
			ArgsUsage: "file",
			Action:    disasmCmd,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "out",
					Usage: "write the listing to `FILE` instead of stdout",
				},
				&cli.BoolFlag{
					Name:    "quiet",
					Aliases: []string{"q"},
					Usage:   "suppress progress diagnostics",
				},
			},
		},
	}
	app.Run(os.Args)
}
