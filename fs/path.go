package fs

// Path resolution. All paths resolve from the root; the simulated user
// programs have no working directory of their own.

// skipelem peels the first path element off path:
//
//	skipelem("a/bb/c")  = "bb/c", "a"
//	skipelem("///a//bb") = "bb", "a"
//	skipelem("a") = "", "a"
//	skipelem("") = skipelem("////") = "", "" (done)
func skipelem(path string) (string, string, bool) {
	i := 0
	for i < len(path) && path[i] == '/' {
		i++
	}
	if i == len(path) {
		return "", "", false
	}
	s := i
	for i < len(path) && path[i] != '/' {
		i++
	}
	name := path[s:i]
	if len(name) > DIRSIZ {
		name = name[:DIRSIZ]
	}
	for i < len(path) && path[i] == '/' {
		i++
	}
	return path[i:], name, true
}

func (fs *Fs_t) namex(opid opid_t, path string, parent bool) (*Inode_t, string) {
	ip := fs.Iget(ROOTINO)
	for {
		rest, name, ok := skipelem(path)
		if !ok {
			break
		}
		fs.Ilock(ip)
		if ip.Itype != T_DIR {
			fs.Iunlockput(opid, ip)
			return nil, ""
		}
		if parent && rest == "" {
			fs.Iunlock(ip)
			return ip, name
		}
		next, _ := fs.Dirlookup(ip, name)
		if next == nil {
			fs.Iunlockput(opid, ip)
			return nil, ""
		}
		fs.Iunlockput(opid, ip)
		ip = next
		path = rest
	}
	if parent {
		fs.Iput(opid, ip)
		return nil, ""
	}
	return ip, ""
}

// Namei resolves path to an unlocked, referenced inode.
func (fs *Fs_t) Namei(opid opid_t, path string) *Inode_t {
	ip, _ := fs.namex(opid, path, false)
	return ip
}

// Nameiparent resolves to the parent directory and the final element.
func (fs *Fs_t) Nameiparent(opid opid_t, path string) (*Inode_t, string) {
	return fs.namex(opid, path, true)
}
