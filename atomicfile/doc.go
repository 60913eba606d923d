/*
Package atomicfile replaces the content of a file atomically.

Data is written to a temporary file in the same directory. On Close the
temporary file is fsync-ed and renamed over the destination. On the
filesystems we target a rename is indivisible from a reader's point of view,
so a concurrent reader sees either the complete old content or the complete
new content, never a mix. If anything fails along the way the temporary file
is removed and the destination is untouched.

	err := atomicfile.WriteFile(path, data)

or, when streaming:

	f, err := atomicfile.New(path)
	if err != nil {
		return err
	}
	// calling Close() twice is a no-op
	defer f.Close()
	_, err = f.Write(data)
	if err != nil {
		return err
	}
	return f.Close()
*/
package atomicfile
