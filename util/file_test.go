package util_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/netbirdio/updates/util"
)

var _ = Describe("Files", func() {

	type TestToken struct {
		Error     string
		Attempts  int
		Extension map[string]string
	}

	var (
		tmpDir string
	)

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "updates_util_test_tmp_*")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		err := os.RemoveAll(tmpDir)
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("JSON", func() {
		Context("in a nested directory", func() {
			It("should be written and read successfully", func() {
				file := filepath.Join(tmpDir, "nested", "token.json")
				written := &TestToken{
					Error:     "launch failed",
					Attempts:  2,
					Extension: map[string]string{"key1": "value1"},
				}

				err := util.WriteJSON(context.Background(), file, written)
				Expect(err).NotTo(HaveOccurred())

				read, err := util.ReadJSON[TestToken](file)
				Expect(err).NotTo(HaveOccurred())
				Expect(read).To(Equal(written))
			})
		})

		Context("with a cancelled context", func() {
			It("should not create the file", func() {
				ctx, cancel := context.WithCancel(context.Background())
				cancel()

				file := filepath.Join(tmpDir, "token.json")
				err := util.WriteJSON(ctx, file, &TestToken{})
				Expect(err).To(HaveOccurred())
				Expect(util.FileExists(file)).To(BeFalse())
			})
		})
	})

	Describe("Bytes", func() {
		It("should replace existing content atomically and leave no temp files", func() {
			file := filepath.Join(tmpDir, "asset.js")
			Expect(util.WriteFileAtomic(context.Background(), file, []byte("old"), 0o644)).To(Succeed())
			Expect(util.WriteFileAtomic(context.Background(), file, []byte("new"), 0o644)).To(Succeed())

			content, err := os.ReadFile(file)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(content)).To(Equal("new"))

			entries, err := os.ReadDir(tmpDir)
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(1))

			info, err := os.Stat(file)
			Expect(err).NotTo(HaveOccurred())
			Expect(info.Mode().Perm()).To(Equal(os.FileMode(0o644)))
		})
	})

	Describe("Missing JSON", func() {
		It("should report os.ErrNotExist", func() {
			_, err := util.ReadJSON[TestToken](filepath.Join(tmpDir, "absent.json"))
			Expect(errors.Is(err, os.ErrNotExist)).To(BeTrue())
		})
	})

	Describe("Removal", func() {
		It("should ignore missing files", func() {
			file := filepath.Join(tmpDir, "missing")
			Expect(util.RemoveFile(file)).To(Succeed())

			Expect(util.WriteFileAtomic(context.Background(), file, []byte("x"), 0o600)).To(Succeed())
			Expect(util.FileExists(file)).To(BeTrue())
			Expect(util.RemoveFile(file)).To(Succeed())
			Expect(util.FileExists(file)).To(BeFalse())
		})
	})
})
