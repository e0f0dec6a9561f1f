package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	v1 "tengine/api/v1"
	"tengine/internal/transport"
)

func newTransformCommand(flags *rootFlags) *cobra.Command {
	var (
		sourceType  string
		targetType  string
		targetExt   string
		outPath     string
		transformer string
		options     map[string]string
		timeout     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "transform <file>",
		Short: "Send a file to a running engine and write the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read source: %w", err)
			}
			c, err := transport.Dial(flags.addr)
			if err != nil {
				return err
			}
			defer c.Close()

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			reply, err := c.Transform(ctx, &v1.TransformRequest{
				RequestID: uuid.NewString(),
				File: &v1.File{
					OriginalFileName: filepath.Base(args[0]),
					Size:             int64(len(content)),
					Content:          content,
				},
				SourceMimeType:          sourceType,
				TargetMimeType:          targetType,
				TargetExtension:         targetExt,
				TransformRequestOptions: options,
				TransformerName:         transformer,
			})
			if err != nil {
				return describeError(err)
			}

			var out io.Writer = cmd.OutOrStdout()
			if outPath != "" {
				f, err := os.Create(outPath)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}
			if _, err := out.Write(reply.File); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %d bytes by %s in %dms\n",
				reply.RequestID, reply.Size, reply.Transformer, reply.ElapsedMS)
			return nil
		},
	}

	cmd.Flags().StringVarP(&sourceType, "source-type", "s", "", "Source media type")
	cmd.Flags().StringVarP(&targetType, "target-type", "t", "", "Target media type")
	cmd.Flags().StringVarP(&targetExt, "target-ext", "e", "", "Target file extension")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Write the result here instead of stdout")
	cmd.Flags().StringVar(&transformer, "transformer", "", "Force a transformer by name")
	cmd.Flags().StringToStringVar(&options, "option", nil, "Transform option key=value (repeatable)")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "Overall request timeout")
	_ = cmd.MarkFlagRequired("source-type")
	_ = cmd.MarkFlagRequired("target-type")
	return cmd
}

// describeError renders a gRPC failure with its HTTP-equivalent status.
func describeError(err error) error {
	info, ok := v1.ErrorInfo(err)
	if !ok {
		return err
	}
	return fmt.Errorf("%s (%s, status %s): %w", info.Reason, info.Metadata["requestId"], info.Metadata["status"], err)
}
