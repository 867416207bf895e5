package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/1ureka/sensorlink/internal/pairing"
)

func newPairCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Render or scan session pairing codes",
	}
	cmd.AddCommand(newPairEncodeCmd(), newPairDecodeCmd())
	return cmd
}

func newPairEncodeCmd() *cobra.Command {
	var (
		out  string
		size int
	)
	cmd := &cobra.Command{
		Use:   "encode <session-id>",
		Short: "Show a session id as a QR pairing code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				code, err := pairing.Terminal(args[0])
				if err != nil {
					return err
				}
				_, err = fmt.Fprint(cmd.OutOrStdout(), code)
				return err
			}

			file, err := os.Create(out)
			if err != nil {
				return err
			}
			if err := pairing.WritePNG(file, args[0], size); err != nil {
				file.Close()
				return err
			}
			if err := file.Close(); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%dx%d)\n", out, size, size)
			return err
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "write a PNG file instead of printing to the terminal")
	cmd.Flags().IntVar(&size, "size", pairing.DefaultSize, "PNG side length in pixels")
	return cmd
}

func newPairDecodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decode <image>",
		Short: "Read the session id from a pairing code image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := scanFile(args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), id)
			return err
		},
	}
}
