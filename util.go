package flatdb

import "os"

func panicIfErr(err error) {
	if err != nil {
		panic(err)
	}
}

// fileExists returns true if path exists and is a regular file
func fileExists(path string) bool {
	st, err := os.Lstat(path)
	return err == nil && st.Mode().IsRegular()
}
