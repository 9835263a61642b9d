package main

import (
	"io"
	"os"

	"github.com/ansel1/merry"
	"github.com/spf13/cobra"

	"github.com/IvanBrykalov/objstore/store"
)

var method string

var putCmd = &cobra.Command{
	Use:   "put URL [FILE]",
	Short: "Store FILE (or stdin) under URL",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  putRunE,
}

var getCmd = &cobra.Command{
	Use:   "get URL",
	Short: "Write the object stored under URL to stdout",
	Args:  cobra.ExactArgs(1),
	RunE:  getRunE,
}

var purgeCmd = &cobra.Command{
	Use:   "purge URL",
	Short: "Remove the object stored under URL",
	Args:  cobra.ExactArgs(1),
	RunE:  purgeRunE,
}

func putRunE(cmd *cobra.Command, args []string) error {
	var (
		body []byte
		err  error
	)
	if len(args) == 2 {
		body, err = os.ReadFile(args[1])
	} else {
		body, err = io.ReadAll(cmd.InOrStdin())
	}
	if err != nil {
		return merry.Wrap(err)
	}

	s, err := open(true)
	if err != nil {
		return err
	}
	defer s.close()

	e := s.c.CreateEntry(0)
	defer s.c.Unlock(e)
	if err := s.c.MakePublic(e, store.PublicKey(method, args[0])); err != nil {
		s.c.Abort(e)
		return err
	}
	if err := s.c.Append(e, body); err != nil {
		s.c.Abort(e)
		return err
	}
	s.c.Complete(e)
	s.c.Sync()
	if !e.HasDisk() {
		return store.ErrNoSwapDir.Here().WithValue("size", len(body))
	}
	return nil
}

func getRunE(cmd *cobra.Command, args []string) error {
	s, err := open(true)
	if err != nil {
		return err
	}
	defer s.close()

	key := store.PublicKey(method, args[0])
	e := s.c.Find(key)
	if e == nil {
		return store.ErrNotFound.Here().WithValue("url", args[0])
	}
	s.c.Lock(e)
	defer s.c.Unlock(e)

	if m := e.Mem(); m != nil && e.StoreStatus == store.StoreOK {
		_, err := cmd.OutOrStdout().Write(m.Bytes())
		return merry.Wrap(err)
	}
	var body []byte
	e.OnUpdate(func(e *store.Entry) {
		if m := e.Mem(); m != nil {
			body = m.Bytes()
		}
	})
	if err := s.c.SwapIn(e); err != nil {
		return err
	}
	s.c.Sync()
	if body == nil && e.Size() > 0 {
		return store.ErrNotFound.Here().WithMessagef("swap-in of %s failed", args[0])
	}
	_, err = cmd.OutOrStdout().Write(body)
	return merry.Wrap(err)
}

func purgeRunE(cmd *cobra.Command, args []string) error {
	s, err := open(true)
	if err != nil {
		return err
	}
	defer s.close()
	s.c.EvictIfFound(store.PublicKey(method, args[0]))
	s.c.Sync()
	return nil
}

func init() {
	for _, c := range []*cobra.Command{putCmd, getCmd, purgeCmd} {
		c.Flags().StringVarP(&method, "method", "X", "GET", "request method the object is keyed by")
		rootCmd.AddCommand(c)
	}
}
